package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

// QueryType is the classifier's routing decision.
type QueryType string

const (
	QueryTableau QueryType = "tableau"
	QueryGeneral QueryType = "general"
	QueryHybrid  QueryType = "hybrid"
)

// Valid reports whether q is one of the enumerated query types.
func (q QueryType) Valid() bool {
	switch q {
	case QueryTableau, QueryGeneral, QueryHybrid:
		return true
	}
	return false
}

// NeedsRetrieval reports whether the query should go through the retriever.
func (q QueryType) NeedsRetrieval() bool {
	return q == QueryTableau || q == QueryHybrid
}

// ValidationStatus is the validator's verdict on the current analysis.
type ValidationStatus string

const (
	StatusPending        ValidationStatus = "pending"
	StatusApproved       ValidationStatus = "approved"
	StatusRevisionNeeded ValidationStatus = "revision_needed"
)

// StatusFor derives a verdict status from the issues found.
func StatusFor(issues []string) ValidationStatus {
	if len(issues) > 0 {
		return StatusRevisionNeeded
	}
	return StatusApproved
}

// Role tags a conversation message with the stage that produced it.
type Role string

const (
	RoleUser       Role = "user"
	RoleRouter     Role = "router"
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RoleCritic     Role = "critic"
)

// Message is one entry of the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Asset is a retrievable data source such as a view or a workbook.
type Asset struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // view, workbook, datasource
	Project  string `json:"project,omitempty"`
	Workbook string `json:"workbook,omitempty"`
}

// Asset kinds.
const (
	AssetView       = "view"
	AssetWorkbook   = "workbook"
	AssetDatasource = "datasource"
)

// Table is the tabular data fetched for one asset, kept as CSV text.
type Table struct {
	Asset     Asset    `json:"asset"`
	Columns   []string `json:"columns"`
	Rows      int      `json:"rows"`
	CSV       string   `json:"csv"`
	Truncated bool     `json:"truncated,omitempty"`
}

// RetrievedData is the retriever's output. It is never modified after the
// retriever returns it.
type RetrievedData struct {
	Assets []Asset `json:"assets"`
	Tables []Table `json:"tables,omitempty"`
}

// Empty reports whether no assets and no tables were found.
func (d *RetrievedData) Empty() bool {
	return d == nil || (len(d.Assets) == 0 && len(d.Tables) == 0)
}

// PrimaryCSV returns the CSV text of the first table, or "".
func (d *RetrievedData) PrimaryCSV() string {
	if d == nil || len(d.Tables) == 0 {
		return ""
	}
	return d.Tables[0].CSV
}

// Summary renders the data for a reviewer: the assets found and a CSV
// preview cut at maxChars.
func (d *RetrievedData) Summary(maxChars int) string {
	if d.Empty() {
		return "No data was retrieved."
	}
	var b strings.Builder
	for _, a := range d.Assets {
		fmt.Fprintf(&b, "- %s %q\n", a.Kind, a.Name)
	}
	for _, t := range d.Tables {
		fmt.Fprintf(&b, "\nData from %q (%d rows; columns: %s):\n", t.Asset.Name, t.Rows, strings.Join(t.Columns, ", "))
		csv := t.CSV
		if maxChars > 0 && len(csv) > maxChars {
			csv = csv[:maxChars] + "\n... (truncated)"
		}
		b.WriteString(csv)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Note values recorded on the state when a stage degrades.
const (
	NoteClassificationDegraded = "classification_degraded"
	NoteRetrievalEmpty         = "retrieval_empty"
	NoteAnalysisDegraded       = "analysis_degraded"
	NoteValidationDegraded     = "validation_degraded"
	NoteForcedApproval         = "forced_approval"
)

// State is the per-run record. Only the run that owns it mutates it.
type State struct {
	RunID            string
	Query            string
	Messages         []Message
	QueryType        QueryType
	KeyEntities      []string
	RetrievedData    *RetrievedData
	AnalysisResult   string
	ValidationStatus ValidationStatus
	Confidence       float64
	Feedback         string
	Iteration        int
	MaxIterations    int
	Caveat           bool
	Notes            []string

	queryTypeSet bool
}

func newState(runID, query string, maxIterations int) *State {
	s := &State{
		RunID:            runID,
		Query:            query,
		ValidationStatus: StatusPending,
		MaxIterations:    maxIterations,
	}
	s.appendMessage(RoleUser, query)
	return s
}

// appendMessage is the only writer of Messages.
func (s *State) appendMessage(role Role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

func (s *State) setQueryType(q QueryType) error {
	if s.queryTypeSet {
		return &InvariantError{Msg: fmt.Sprintf("query type already set to %q", s.QueryType)}
	}
	if !q.Valid() {
		return &InvariantError{Msg: fmt.Sprintf("invalid query type %q", q)}
	}
	s.QueryType = q
	s.queryTypeSet = true
	return nil
}

func (s *State) note(n string) {
	if !slices.Contains(s.Notes, n) {
		s.Notes = append(s.Notes, n)
	}
}

// View is a read-only snapshot of a State.
type View struct {
	RunID            string           `json:"run_id"`
	Query            string           `json:"query"`
	Messages         []Message        `json:"messages"`
	QueryType        QueryType        `json:"query_type"`
	KeyEntities      []string         `json:"key_entities,omitempty"`
	RetrievedData    *RetrievedData   `json:"retrieved_data,omitempty"`
	AnalysisResult   string           `json:"analysis_result"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	Confidence       float64          `json:"confidence"`
	Iteration        int              `json:"iteration"`
	MaxIterations    int              `json:"max_iterations"`
	Caveat           bool             `json:"caveat"`
	Notes            []string         `json:"notes,omitempty"`
}

// View returns a snapshot that shares no slices with s.
func (s *State) View() View {
	return View{
		RunID:            s.RunID,
		Query:            s.Query,
		Messages:         slices.Clone(s.Messages),
		QueryType:        s.QueryType,
		KeyEntities:      slices.Clone(s.KeyEntities),
		RetrievedData:    s.RetrievedData,
		AnalysisResult:   s.AnalysisResult,
		ValidationStatus: s.ValidationStatus,
		Confidence:       s.Confidence,
		Iteration:        s.Iteration,
		MaxIterations:    s.MaxIterations,
		Caveat:           s.Caveat,
		Notes:            slices.Clone(s.Notes),
	}
}
