package agents

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/martinemde/vizagent/pipeline"
)

// maxAssetsPerKind bounds the asset listing in the analyst prompt.
const maxAssetsPerKind = 5

// dataVariable is the sandbox input holding the first table's CSV. Further
// tables are DATA_2, DATA_3 and so on.
const dataVariable = "DATA"

func tableVariable(i int) string {
	if i == 0 {
		return dataVariable
	}
	return dataVariable + "_" + strconv.Itoa(i+1)
}

// sandboxInputs exposes every retrieved table to executed code.
func sandboxInputs(d *pipeline.RetrievedData) map[string]string {
	if d == nil || len(d.Tables) == 0 {
		return nil
	}
	in := make(map[string]string, len(d.Tables))
	for i, t := range d.Tables {
		in[tableVariable(i)] = t.CSV
	}
	return in
}

// formatContext renders the retrieved data for the analyst prompt.
func formatContext(d *pipeline.RetrievedData) string {
	var parts []string

	if len(d.Tables) > 0 {
		var b strings.Builder
		b.WriteString("## Data Dictionary\n")
		for _, t := range d.Tables {
			fmt.Fprintf(&b, "\n### %s", t.Asset.Name)
			if t.Asset.Workbook != "" {
				fmt.Fprintf(&b, " (workbook: %s)", t.Asset.Workbook)
			}
			b.WriteString("\n")
			for _, c := range t.Columns {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))

		for i, t := range d.Tables {
			var b strings.Builder
			fmt.Fprintf(&b, "## Data (CSV format, %d rows)\n", t.Rows)
			fmt.Fprintf(&b, "Source: %s. Available to code as %s.", t.Asset.Name, tableVariable(i))
			if t.Truncated {
				b.WriteString(" The data was truncated to the first rows.")
			}
			fmt.Fprintf(&b, "\n```csv\n%s\n```", strings.TrimRight(t.CSV, "\n"))
			parts = append(parts, b.String())
		}
	}

	if len(d.Assets) > 0 {
		var b strings.Builder
		b.WriteString("## Available Tableau Assets\n")
		for _, kind := range []string{pipeline.AssetView, pipeline.AssetWorkbook, pipeline.AssetDatasource} {
			n := 0
			for _, a := range d.Assets {
				if a.Kind != kind || n >= maxAssetsPerKind {
					continue
				}
				if n == 0 {
					fmt.Fprintf(&b, "\n%ss:\n", strings.ToUpper(kind[:1])+kind[1:])
				}
				fmt.Fprintf(&b, "- %s\n", a.Name)
				n++
			}
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(parts, "\n\n")
}

const noDataSection = `## Data
No data was retrieved for this query. Do not invent figures. Tell the user that no matching
data was found and describe what data would be needed to answer the question.`

// analystPrompt builds the first user message of an analysis pass.
func analystPrompt(in pipeline.AnalyzeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User Query: %s\n\n", in.Query)

	switch {
	case !in.Data.Empty():
		b.WriteString(formatContext(in.Data))
		b.WriteString("\n\n")
	case in.QueryType.NeedsRetrieval():
		b.WriteString(noDataSection)
		b.WriteString("\n\n")
	}

	if in.Revision() {
		b.WriteString("## Revision Requested\n")
		if in.PriorResult != "" {
			fmt.Fprintf(&b, "Your previous answer:\n%s\n\n", in.PriorResult)
		}
		fmt.Fprintf(&b, "Reviewer feedback:\n%s\n\n", in.Feedback)
		b.WriteString("Revise your answer to address every issue.\n\n")
	}

	if in.Data.Empty() {
		b.WriteString("Answer the user's question.")
	} else {
		b.WriteString("Analyze this data and answer the user's question.")
	}
	return b.String()
}
