package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ResultType classifies the outcome of one test run.
type ResultType int

const (
	CorrectAnswer ResultType = iota
	WrongAnswer
	TimeLimit
	MemoryLimit
	RunTimeError
)

var resultTypeNames = [...]string{
	CorrectAnswer: "CorrectAnswer",
	WrongAnswer:   "WrongAnswer",
	TimeLimit:     "TimeLimit",
	MemoryLimit:   "MemoryLimit",
	RunTimeError:  "RunTimeError",
}

var resultTypeAliases = map[string]ResultType{
	"correctanswer": CorrectAnswer,
	"ac":            CorrectAnswer,
	"wronganswer":   WrongAnswer,
	"wa":            WrongAnswer,
	"timelimit":     TimeLimit,
	"tle":           TimeLimit,
	"memorylimit":   MemoryLimit,
	"mle":           MemoryLimit,
	"runtimeerror":  RunTimeError,
	"re":            RunTimeError,
}

// InvalidResultTypeError reports a classification the pipeline does not know.
type InvalidResultTypeError struct {
	Value string
}

func (e *InvalidResultTypeError) Error() string {
	return fmt.Sprintf("unknown result type %q", e.Value)
}

// ParseResultType accepts a canonical name or alias (case-insensitive) or a numeric code.
func ParseResultType(raw string) (ResultType, error) {
	value := strings.TrimSpace(raw)
	if t, ok := resultTypeAliases[strings.ToLower(value)]; ok {
		return t, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		t := ResultType(n)
		if t.Valid() {
			return t, nil
		}
	}
	return 0, &InvalidResultTypeError{Value: raw}
}

func (t ResultType) Valid() bool {
	return t >= CorrectAnswer && t <= RunTimeError
}

func (t ResultType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("ResultType(%d)", int(t))
	}
	return resultTypeNames[t]
}

func (t ResultType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, &InvalidResultTypeError{Value: strconv.Itoa(int(t))}
	}
	return json.Marshal(t.String())
}

func (t *ResultType) UnmarshalJSON(data []byte) error {
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	parsed, err := ParseResultType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
