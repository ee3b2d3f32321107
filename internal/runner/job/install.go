package job

import (
	"strings"

	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	appErr "github.com/Frohrer/codux/pkg/errors"

	"github.com/google/shlex"
)

const depsPlaceholder = "{deps}"

// DefaultInstallTemplates returns the built-in packagemanager argument templates.
func DefaultInstallTemplates() map[string]string {
	return map[string]string{
		"python":     "install --target=/box/submission {deps}",
		"streamlit":  "install --target=/box/submission {deps}",
		"javascript": "install --prefix /box/submission {deps}",
		"node":       "install --prefix /box/submission {deps}",
	}
}

// installArgs expands the install template of the runtime. Without a
// placeholder the dependencies are appended.
func installArgs(templates map[string]string, rt profile.Runtime, deps []string) ([]string, error) {
	tmpl, ok := templates[strings.ToLower(rt.Language)]
	if !ok {
		tmpl, ok = templates[rt.PackageManagerName()]
	}
	if !ok {
		return nil, appErr.Newf(appErr.InstallNotSupported, "Package installation not implemented for language %s", rt.Language)
	}
	parts, err := shlex.Split(tmpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "invalid install template for %s", rt.Language)
	}
	args := make([]string, 0, len(parts)+len(deps))
	expanded := false
	for _, part := range parts {
		if part == depsPlaceholder {
			args = append(args, deps...)
			expanded = true
			continue
		}
		args = append(args, part)
	}
	if !expanded {
		args = append(args, deps...)
	}
	return args, nil
}
