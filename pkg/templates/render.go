// Package templates renders startup scripts and other text assets
// embedded in resource configuration. Rendering is strict: referencing
// an unset key fails instead of emitting "<no value>".
package templates

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Renderer renders named templates with a shared function map.
type Renderer struct {
	funcs template.FuncMap
}

// NewRenderer creates a renderer with the sprig function map plus
// script helpers.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	funcs["shellquote"] = shellQuote
	funcs["b64"] = func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}
	return &Renderer{funcs: funcs}
}

// Render executes the template body against data.
func (r *Renderer) Render(name, body string, data map[string]interface{}) (string, error) {
	tmpl, err := template.New(name).
		Funcs(r.funcs).
		Option("missingkey=error").
		Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderStartupScript renders a startup script and checks it opens with
// a shebang so hosts can execute it directly.
func (r *Renderer) RenderStartupScript(name, body string, data map[string]interface{}) (string, error) {
	out, err := r.Render(name, body, data)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(out, "#!") {
		return "", fmt.Errorf("startup script %s must start with a shebang", name)
	}
	return out, nil
}

// shellQuote wraps a value in single quotes, escaping embedded quotes,
// so rendered values survive shell word splitting.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
