package service

import (
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

var (
	limitKinds = []string{"memory_limit", "timeout", "cpu_time"}
	limitTypes = []string{"compile", "run"}
)

// ParseRequest validates a decoded JSON body and resolves its runtime. The
// body is kept loosely typed so type errors can be reported field by field.
func (e *Engine) ParseRequest(body map[string]any) (job.Request, error) {
	language, ok := body["language"].(string)
	if !ok || language == "" {
		return job.Request{}, appErr.InvalidInput("language is required as a string")
	}
	version, ok := body["version"].(string)
	if !ok || version == "" {
		return job.Request{}, appErr.InvalidInput("version is required as a string")
	}
	rawFiles, ok := body["files"].([]any)
	if !ok {
		return job.Request{}, appErr.InvalidInput("files is required as an array")
	}
	files := make([]sandbox.File, 0, len(rawFiles))
	hasUTF8 := false
	for i, raw := range rawFiles {
		obj, _ := raw.(map[string]any)
		content, ok := obj["content"].(string)
		if !ok {
			return job.Request{}, appErr.InvalidInput("files[%d].content is required as a string", i)
		}
		name, _ := obj["name"].(string)
		encoding, _ := obj["encoding"].(string)
		if encoding == "" || encoding == sandbox.EncodingUTF8 {
			hasUTF8 = true
		}
		files = append(files, sandbox.File{Name: name, Content: content, Encoding: encoding})
	}

	rt, err := e.runtimes.Resolve(language, version)
	if err != nil {
		return job.Request{}, appErr.Wrap(err, appErr.RuntimeNotFound)
	}
	if rt.Language != job.LanguageFile && !hasUTF8 {
		return job.Request{}, appErr.InvalidInput("files must include at least one utf8 encoded file")
	}

	req := job.Request{
		Runtime:      rt,
		Files:        files,
		Args:         stringList(body["args"]),
		Dependencies: dependencyList(body["dependencies"]),
		LongRunning:  body["long_running"] == true,
	}
	req.Stdin, _ = body["stdin"].(string)

	for _, kind := range limitKinds {
		for _, typ := range limitTypes {
			name := typ + "_" + kind
			value, err := constraint(body, name, configuredLimit(rt, kind, typ))
			if err != nil {
				return job.Request{}, err
			}
			setLimit(&req, kind, typ, value)
		}
	}
	return req, nil
}

// constraint reads an optional numeric limit. Zero and absent both mean
// "use the runtime default".
func constraint(body map[string]any, name string, configured int64) (int64, error) {
	raw, ok := body[name]
	if !ok || raw == nil {
		return 0, nil
	}
	value, ok := raw.(float64)
	if !ok {
		if b, isBool := raw.(bool); isBool && !b {
			return 0, nil
		}
		if s, isString := raw.(string); isString && s == "" {
			return 0, nil
		}
		return 0, appErr.InvalidInput("If specified, %s must be a number", name)
	}
	if value == 0 || configured <= 0 {
		return int64(value), nil
	}
	if value > float64(configured) {
		return 0, appErr.InvalidInput("%s cannot exceed the configured limit of %d", name, configured)
	}
	if value < 0 {
		return 0, appErr.InvalidInput("%s must be non-negative", name)
	}
	return int64(value), nil
}

func configuredLimit(rt profile.Runtime, kind, typ string) int64 {
	var limits profile.StageLimits
	switch kind {
	case "memory_limit":
		limits = rt.MemoryLimits
	case "timeout":
		limits = rt.Timeouts
	case "cpu_time":
		limits = rt.CPUTimes
	}
	if typ == "compile" {
		return limits.Compile
	}
	return limits.Run
}

func setLimit(req *job.Request, kind, typ string, value int64) {
	var limits *profile.StageLimits
	switch kind {
	case "memory_limit":
		limits = &req.MemoryLimits
	case "timeout":
		limits = &req.Timeouts
	case "cpu_time":
		limits = &req.CPUTimes
	default:
		return
	}
	if typ == "compile" {
		limits.Compile = value
	} else {
		limits.Run = value
	}
}

// dependencyList accepts a single package name or a list of them.
func dependencyList(raw any) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		return stringList(v)
	default:
		return nil
	}
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
