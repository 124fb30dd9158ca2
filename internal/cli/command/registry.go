package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

const apiPrefix = "/api/v1/pipeline"

// Registry returns all CLI commands keyed by "group action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Group:        "retest",
			Action:       "problem",
			Method:       "POST",
			PathTemplate: apiPrefix + "/problems/:id/retest",
			Fields: []Field{
				{Name: "id", Aliases: []string{"problem_id"}, Prompt: "problem_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Group:        "retest",
			Action:       "contest",
			Method:       "POST",
			PathTemplate: apiPrefix + "/contests/:id/retest",
			Fields: []Field{
				{Name: "id", Aliases: []string{"contest_id"}, Prompt: "contest_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Group:        "queue",
			Action:       "enqueue",
			Method:       "POST",
			PathTemplate: apiPrefix + "/queue",
			Fields: []Field{
				{Name: "submission_ids", Aliases: []string{"ids"}, Prompt: "submission_ids (comma-separated)", Type: FieldInt64List, Required: true},
			},
		},
		{
			Group:        "queue",
			Action:       "remove",
			Method:       "DELETE",
			PathTemplate: apiPrefix + "/queue/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Group:        "queue",
			Action:       "get",
			Method:       "GET",
			PathTemplate: apiPrefix + "/queue/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Group:        "queue",
			Action:       "sweep",
			Method:       "POST",
			PathTemplate: apiPrefix + "/queue/sweep",
		},
		{
			Group:        "queue",
			Action:       "redispatch",
			Method:       "POST",
			PathTemplate: apiPrefix + "/queue/redispatch",
			Fields: []Field{
				{Name: "all", Prompt: "all (true|false)", Type: FieldBool},
				{Name: "limit", Prompt: "limit", Type: FieldInt},
			},
		},
		{
			Group:        "submission",
			Action:       "archive",
			Method:       "POST",
			PathTemplate: apiPrefix + "/submissions/:id/archive",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Group:        "submission",
			Action:       "archived",
			Method:       "GET",
			PathTemplate: apiPrefix + "/submissions/:id/archive",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Group:        "submission",
			Action:       "result",
			Method:       "POST",
			PathTemplate: apiPrefix + "/submissions/:id/result",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
				{Name: "result_json", Prompt: "result_json (JSON)", Type: FieldJSON, Required: true},
				{Name: "result_file", Prompt: "result_file", Type: FieldFile},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		switch p := payload.(type) {
		case nil:
		case json.RawMessage:
			body = p
		default:
			body, err = json.Marshal(p)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method: cmd.Method,
		Path:   path,
		Body:   body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	placeholder := ":id"
	if strings.Contains(path, placeholder) {
		value := strings.TrimSpace(params.Get("id"))
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		if _, err := ParseInt64(value); err != nil {
			return "", fmt.Errorf("invalid id: %w", err)
		}
		path = strings.ReplaceAll(path, placeholder, value)
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Key() {
	case "queue enqueue":
		ids, err := ParseInt64List(params.Get("submission_ids"))
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("submission_ids is required")
		}
		return map[string]interface{}{
			"submission_ids": ids,
		}, nil
	case "queue redispatch":
		payload := map[string]interface{}{}
		if params.Get("all") != "" {
			all, err := ParseBool(params.Get("all"))
			if err != nil {
				return nil, fmt.Errorf("invalid all: %w", err)
			}
			payload["all"] = all
		}
		if params.Get("limit") != "" {
			limit, err := ParseInt(params.Get("limit"))
			if err != nil {
				return nil, fmt.Errorf("invalid limit: %w", err)
			}
			payload["limit"] = limit
		}
		if len(payload) == 0 {
			return nil, nil
		}
		return payload, nil
	case "submission result":
		return parseJSONOrFile(params, "result_json", "result_file")
	}
	return nil, nil
}

func parseJSONOrFile(params Params, key, fileKey string) (json.RawMessage, error) {
	value := params.Get(key)
	if (value == "" || value == FileMarker) && params.Get(fileKey) != "" {
		data, err := ReadFile(params.Get(fileKey))
		if err != nil {
			return nil, err
		}
		value = data
	}
	if value == "" || value == FileMarker {
		return nil, fmt.Errorf("%s is required", key)
	}
	return ParseJSON(value)
}
