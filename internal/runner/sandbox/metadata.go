package sandbox

import (
	"strconv"
	"strings"

	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

// Metadata is the parsed isolate meta report.
type Metadata struct {
	MemoryBytes int64
	ExitCode    *int
	Signal      string
	Message     string
	Status      result.Status
	CPUTimeMs   float64
	WallTimeMs  float64
}

// ParseMetadata parses the "key:value" lines of an isolate meta file.
// Unknown keys are ignored; a line without a separator is an error.
func ParseMetadata(raw string) (Metadata, error) {
	var meta Metadata
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Metadata{}, appErr.Newf(appErr.MetadataParseFailure, "failed to parse metadata line: %s", line)
		}
		var err error
		switch key {
		case "cg-mem":
			var kb int64
			kb, err = strconv.ParseInt(value, 10, 64)
			meta.MemoryBytes = kb * 1000
		case "exitcode":
			var code int
			code, err = strconv.Atoi(value)
			meta.ExitCode = &code
		case "exitsig":
			var sig int
			sig, err = strconv.Atoi(value)
			meta.Signal = SignalName(sig)
		case "message":
			meta.Message = value
		case "status":
			meta.Status = result.Status(value)
		case "time":
			var sec float64
			sec, err = strconv.ParseFloat(value, 64)
			meta.CPUTimeMs = sec * 1000
		case "time-wall":
			var sec float64
			sec, err = strconv.ParseFloat(value, 64)
			meta.WallTimeMs = sec * 1000
		}
		if err != nil {
			return Metadata{}, appErr.Wrapf(err, appErr.MetadataParseFailure, "failed to parse metadata value %q for %s", value, key)
		}
	}
	return meta, nil
}
