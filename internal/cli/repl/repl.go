package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"judgepipe/internal/cli/command"
	httpclient "judgepipe/internal/cli/http"
	pkgerrors "judgepipe/pkg/errors"

	"github.com/google/shlex"
)

var errExit = errors.New("exit")

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	prettyJSON bool
	reader     *bufio.Reader
	out        io.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, prettyJSON bool, in io.Reader, out io.Writer) *Session {
	return &Session{
		client:     client,
		commands:   commands,
		prettyJSON: prettyJSON,
		reader:     bufio.NewReader(in),
		out:        out,
	}
}

// Run reads commands until exit or end of input.
func (s *Session) Run(ctx context.Context) {
	for {
		_, _ = io.WriteString(s.out, "pipeline> ")
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if !errors.Is(err, io.EOF) {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		if err := s.Exec(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			s.printLine("error: %v", err)
		}
	}
}

// Exec runs one line: a system command or "<group> <action> key=value ...".
func (s *Session) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if handled, err := s.handleSystemCommand(line); handled {
		return err
	}
	return s.handleCommand(ctx, line)
}

func (s *Session) handleSystemCommand(line string) (bool, error) {
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		return true, errExit
	case "help":
		s.printHelp()
		return true, nil
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true, nil
	}
	if line == "show config" {
		s.printLine("base: %s", s.client.BaseURL())
		return true, nil
	}
	return false, nil
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8090")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <group> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}
	params.Canonicalize(cmd.Fields)

	applyParamShortcuts(cmd, params)
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func applyParamShortcuts(cmd command.Command, params command.Params) {
	if cmd.Key() == "submission result" && params.Get("result_file") != "" && params.Get("result_json") == "" {
		params.Set("result_json", command.FileMarker)
	}
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.printLine("%s:", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if traceID := resp.Headers.Get("X-Trace-Id"); traceID != "" {
		s.printLine("trace: %s", traceID)
	}
	if len(resp.Body) == 0 {
		return
	}
	var envelope struct {
		Code    pkgerrors.ErrorCode `json:"code"`
		Message string              `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err == nil && envelope.Code != 0 && envelope.Code != pkgerrors.Success {
		s.printLine("failed: %d %s", envelope.Code, envelope.Message)
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	keys := make([]string, 0, len(s.commands))
	for key := range s.commands {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	s.printLine("usage: <group> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout | show config")
	s.printLine("commands:")
	for _, key := range keys {
		s.printLine("  %s", key)
	}
	s.printLine("examples:")
	s.printLine("  retest problem id=42")
	s.printLine("  queue enqueue submission_ids=1,2,3")
	s.printLine("  queue redispatch all=true limit=50")
	s.printLine("  submission result id=7 result_file=./result.json")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
