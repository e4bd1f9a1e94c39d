package sandbox

import (
	"encoding/csv"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// allowedBuiltins is the complete list of interpreter builtins a program may
// reference. Everything else the interpreter ships, getattr, hasattr and dir
// included, fails name resolution.
var allowedBuiltins = []string{
	"None", "True", "False",
	"abs", "all", "any", "bool", "bytes", "chr", "dict", "enumerate", "fail",
	"float", "hash", "int", "len", "list", "max", "min", "ord", "print",
	"range", "repr", "reversed", "set", "sorted", "str", "tuple", "type", "zip",
}

// interpreterBuiltins holds the values for allowedBuiltins. Builtins are
// immutable, so sharing them across executions leaks no state.
var interpreterBuiltins = func() starlark.StringDict {
	d := make(starlark.StringDict, len(allowedBuiltins))
	for _, name := range allowedBuiltins {
		v, ok := starlark.Universe[name]
		if !ok {
			panic("sandbox: interpreter has no builtin " + name)
		}
		d[name] = v
	}
	return d
}()

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AllowedNames returns the sorted set of names a program may reference
// without declaring them, excluding caller inputs.
func AllowedNames() []string {
	names := slices.Clone(allowedBuiltins)
	for name := range extraBuiltins() {
		names = append(names, name)
	}
	sort.Strings(names)
	return slices.Compact(names)
}

func extraBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"sum":        starlark.NewBuiltin("sum", builtinSum),
		"round":      starlark.NewBuiltin("round", builtinRound),
		"math":       starmath.Module,
		"json":       starjson.Module,
		"statistics": statisticsModule(),
		"csv":        csvModule(),
	}
}

// newNamespace builds the predeclared globals for a single execution. It is
// the only source of names: programs are resolved with no universe at all.
func newNamespace(inputs map[string]string) (starlark.StringDict, error) {
	ns := extraBuiltins()
	for name, v := range interpreterBuiltins {
		ns[name] = v
	}
	for name, value := range inputs {
		if !identifierRE.MatchString(name) {
			return nil, fmt.Errorf("invalid input name %q", name)
		}
		if _, ok := ns[name]; ok || starlark.Universe.Has(name) {
			return nil, fmt.Errorf("input %q shadows a builtin", name)
		}
		ns[name] = starlark.String(value)
	}
	ns.Freeze()
	return ns, nil
}

func builtinSum(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	iter := iterable.Iterate()
	defer iter.Done()

	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		acc = v
	}
	return acc, nil
}

func builtinRound(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &x, &ndigits); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want number", fn.Name(), x.Type())
	}
	if ndigits == starlark.None {
		if i, ok := x.(starlark.Int); ok {
			return i, nil
		}
		i, err := starlark.NumberToInt(starlark.Float(math.RoundToEven(f)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return i, nil
	}
	n, err := starlark.AsInt32(ndigits)
	if err != nil {
		return nil, fmt.Errorf("%s: ndigits: %w", fn.Name(), err)
	}
	pow := math.Pow(10, float64(n))
	return starlark.Float(math.RoundToEven(f*pow) / pow), nil
}

// statistics

func statisticsModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "statistics",
		Members: starlark.StringDict{
			"mean":     floatReducer("mean", 1, mean),
			"median":   floatReducer("median", 1, median),
			"variance": floatReducer("variance", 2, func(xs []float64) float64 { return variance(xs, 1) }),
			"stdev":    floatReducer("stdev", 2, func(xs []float64) float64 { return math.Sqrt(variance(xs, 1)) }),
			"pstdev":   floatReducer("pstdev", 1, func(xs []float64) float64 { return math.Sqrt(variance(xs, 0)) }),
			"sum":      floatReducer("sum", 0, sum),
			"mode":     starlark.NewBuiltin("mode", statisticsMode),
		},
	}
}

func floatReducer(name string, minPoints int, f func([]float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Iterable
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		xs, err := floats(fn.Name(), data)
		if err != nil {
			return nil, err
		}
		if len(xs) < minPoints {
			return nil, fmt.Errorf("%s: requires at least %d data point(s)", fn.Name(), minPoints)
		}
		return starlark.Float(f(xs)), nil
	})
}

func floats(name string, data starlark.Iterable) ([]float64, error) {
	iter := data.Iterate()
	defer iter.Done()
	var xs []float64
	var x starlark.Value
	for iter.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number", name, x.Type())
		}
		xs = append(xs, f)
	}
	return xs, nil
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func mean(xs []float64) float64 { return sum(xs) / float64(len(xs)) }

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// variance with ddof 1 is the sample variance, ddof 0 the population variance.
func variance(xs []float64, ddof int) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs)-ddof)
}

func statisticsMode(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Iterable
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	iter := data.Iterate()
	defer iter.Done()

	counts := map[string]int{}
	first := map[string]starlark.Value{}
	var order []string
	var x starlark.Value
	for iter.Next(&x) {
		key := x.Type() + ":" + x.String()
		if _, seen := first[key]; !seen {
			first[key] = x
			order = append(order, key)
		}
		counts[key]++
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%s: no mode for empty data", fn.Name())
	}
	best := order[0]
	for _, key := range order[1:] {
		if counts[key] > counts[best] {
			best = key
		}
	}
	return first[best], nil
}

// csv

func csvModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "csv",
		Members: starlark.StringDict{
			"parse": starlark.NewBuiltin("parse", csvParse),
			"rows":  starlark.NewBuiltin("rows", csvRows),
		},
	}
}

func readCSV(name, text string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return records, nil
}

// csvParse returns one dict per data row keyed by the header. Numeric cells
// become ints or floats unless convert=False.
func csvParse(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	convert := true
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "text", &text, "convert?", &convert); err != nil {
		return nil, err
	}
	records, err := readCSV(fn.Name(), text)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return starlark.NewList(nil), nil
	}
	header := records[0]
	rows := make([]starlark.Value, 0, len(records)-1)
	for _, rec := range records[1:] {
		d := starlark.NewDict(len(header))
		for i, col := range header {
			var cell starlark.Value = starlark.None
			if i < len(rec) {
				cell = cellValue(rec[i], convert)
			}
			if err := d.SetKey(starlark.String(col), cell); err != nil {
				return nil, err
			}
		}
		rows = append(rows, d)
	}
	return starlark.NewList(rows), nil
}

func csvRows(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}
	records, err := readCSV(fn.Name(), text)
	if err != nil {
		return nil, err
	}
	rows := make([]starlark.Value, 0, len(records))
	for _, rec := range records {
		cells := make([]starlark.Value, len(rec))
		for i, c := range rec {
			cells[i] = starlark.String(c)
		}
		rows = append(rows, starlark.NewList(cells))
	}
	return starlark.NewList(rows), nil
}

func cellValue(s string, convert bool) starlark.Value {
	if !convert {
		return starlark.String(s)
	}
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if i, err := strconv.ParseInt(clean, 10, 64); err == nil {
		return starlark.MakeInt64(i)
	}
	if f, err := strconv.ParseFloat(clean, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return starlark.Float(f)
	}
	return starlark.String(s)
}
