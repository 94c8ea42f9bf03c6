package extract

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
)

// promptData is the template context of a registry prompt.
type promptData struct {
	Subject    string
	Sender     string
	Body       string
	ReceivedAt string
	Upstream   string
}

// renderUserPrompt executes the registry's user template against the
// envelope. Upstream layer output is exposed as indented JSON.
func renderUserPrompt(req Request) (string, error) {
	upstream := "{}"
	if len(req.Upstream) > 0 {
		b, err := json.MarshalIndent(stripOverview(req.Upstream), "", "  ")
		if err != nil {
			return "", eris.Wrap(err, "extract: marshal upstream layers")
		}
		upstream = string(b)
	}

	data := promptData{
		Subject:  req.Envelope.Subject,
		Sender:   req.Envelope.Sender,
		Body:     req.Envelope.Text(),
		Upstream: upstream,
	}
	if !req.Envelope.ReceivedAt.IsZero() {
		data.ReceivedAt = req.Envelope.ReceivedAt.UTC().Format("2006-01-02 15:04 MST")
	}

	tmpl, err := template.New(req.Prompt.ID).Option("missingkey=error").Parse(req.Prompt.User)
	if err != nil {
		return "", eris.Wrapf(err, "extract: parse prompt %s", req.Prompt.ID)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", eris.Wrapf(err, "extract: execute prompt %s", req.Prompt.ID)
	}
	return buf.String(), nil
}

// stripOverview drops the previous L9 output so the model is not anchored
// on the summary being replaced.
func stripOverview(c map[string]any) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		if strings.HasPrefix(k, "l9_") {
			continue
		}
		switch k {
		case "executive_summary", "recommended_priority", "action_items", "confidence":
			continue
		}
		out[k] = v
	}
	return out
}
