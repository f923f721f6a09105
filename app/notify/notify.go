// Package notify delivers failure alerts for script executions via email.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Sender delivers a message to a destination URL, matches go-pkgz/notify
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Params sets service-level options
type Params struct {
	ErrorTemplate string // custom error template file, empty loads the default
	HostName      string // reported in messages, defaults to os.Hostname
}

// SendersParams holds the email transport configuration
type SendersParams struct {
	ToEmails     []string
	FromEmail    string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool
	TimeOut      time.Duration
}

// Service sends failure notifications to the configured destinations
type Service struct {
	Params
	sender   Sender
	toEmails []string
	from     string
}

// NewService creates a notification service, nil when no destinations defined
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 {
		return nil
	}
	if p.HostName == "" {
		if h, err := os.Hostname(); err == nil {
			p.HostName = h
		}
	}
	if sp.TimeOut == 0 {
		sp.TimeOut = 30 * time.Second
	}

	sender := notify.NewEmail(notify.SMTPParams{
		Host:        sp.SMTPHost,
		Port:        sp.SMTPPort,
		TLS:         sp.SMTPTLS,
		StartTLS:    sp.SMTPStartTLS,
		ContentType: "text/html",
		Username:    sp.SMTPUsername,
		Password:    sp.SMTPPassword,
		TimeOut:     sp.TimeOut,
	})
	return &Service{Params: p, sender: sender, toEmails: sp.ToEmails, from: sp.FromEmail}
}

// Send delivers the message with the given subject to all destinations,
// collecting per-destination failures
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var failed []string
	for _, to := range s.toEmails {
		dest := fmt.Sprintf("mailto:%s?%s", to, url.Values{"from": {s.from}, "subject": {subj}}.Encode())
		if err := s.sender.Send(ctx, dest, text); err != nil {
			log.Printf("[WARN] failed to notify %s: %v", to, err)
			failed = append(failed, to)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to notify %s", strings.Join(failed, ", "))
	}
	return nil
}

// MakeErrorHTML renders the failure message for a script execution
func (s *Service) MakeErrorHTML(scriptPath, params, errorLog string) (string, error) {
	tmpl := defaultErrorTemplate
	if s.ErrorTemplate != "" {
		data, err := os.ReadFile(s.ErrorTemplate)
		if err != nil {
			log.Printf("[WARN] can't read error template %s, fallback to default: %v", s.ErrorTemplate, err)
		} else {
			tmpl = string(data)
		}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}

	data := struct {
		Script string
		Params string
		TS     time.Time
		Error  string
		Host   string
	}{Script: scriptPath, Params: params, TS: time.Now(), Error: errorLog, Host: s.HostName}

	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

const defaultErrorTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			ul { margin-top: -0.5em; margin-left: -0.5em; }
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>

	<body>
		<p>Script execution failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Script: <span class="bold">{{.Script}}</span></li>
			<li>Parameters: <span class="bold">{{.Params}}</span></li>
		</ul>

		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`
