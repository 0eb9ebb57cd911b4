package negotiation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/teemow/inboxmeet/internal/interval"
)

// slotLayout renders a slot start, e.g. "Tuesday, March 04 at 02:00 PM".
const slotLayout = "Monday, January 02 at 03:04 PM"

// Drafter renders outbound emails for a negotiation.
type Drafter interface {
	ConfirmationRequest(n Negotiation, userEmail string) Outbound
	Alternatives(n Negotiation) Outbound
	Clarification(n Negotiation) Outbound
	NoAvailability(n Negotiation) Outbound
	Confirmed(n Negotiation) Outbound
	Held(n Negotiation, userEmail string) Outbound
}

// draftFuncs are available to the default templates.
var draftFuncs = template.FuncMap{"inc": func(i int) int { return i + 1 }}

// Templates holds the body templates used by TemplateDrafter. Each template
// is executed with a draftData value.
type Templates struct {
	ConfirmationRequest *template.Template
	Alternatives        *template.Template
	Clarification       *template.Template
	NoAvailability      *template.Template
	Confirmed           *template.Template
	Held                *template.Template
}

// DefaultTemplates returns the built-in bodies.
func DefaultTemplates() Templates {
	return Templates{
		ConfirmationRequest: template.Must(template.New("confirmation_request").Parse(
			`{{.Counterparty}} proposed a meeting: "{{.Subject}}".

Requested time: {{.Requested}} ({{.Zone}} time). Your calendar is free.

Answer Y to put it in your calendar, or N to turn it down.
Negotiation: {{.ID}}
`)),
		Alternatives: template.Must(template.New("alternatives").Funcs(draftFuncs).Parse(
			`Hi there,

Thanks for your meeting request. {{if .Requested}}Unfortunately {{.Requested}} doesn't work on my side. {{end}}Would one of these times work instead ({{.Zone}} time)?

{{range $i, $s := .Alternatives}}Option {{inc $i}}: {{$s}}
{{end}}
Just reply with the option number.

Best regards
`)),
		Clarification: template.Must(template.New("clarification").Parse(
			`Hi there,

Thanks for reaching out about "{{.Subject}}". Could you suggest a specific day and time that works for you?

Best regards
`)),
		NoAvailability: template.Must(template.New("no_availability").Parse(
			`Hi there,

Thanks for your meeting request. Unfortunately I have no availability{{if .Requested}} around {{.Requested}}{{end}} in the coming days.

Best regards
`)),
		Confirmed: template.Must(template.New("confirmed").Parse(
			`Hi there,

I've scheduled our meeting for {{.Confirmed}} ({{.Zone}} time) as requested.

Looking forward to our conversation!

Best regards
`)),
		Held: template.Must(template.New("held").Parse(
			`{{.Counterparty}} proposed a meeting: "{{.Subject}}".

Your calendar could not be read{{if .Requested}} to check {{.Requested}}{{end}}, so the request is on hold. Retry the negotiation once the calendar is reachable again.
Negotiation: {{.ID}}
`)),
	}
}

// TemplateDrafter renders emails from text templates in a fixed timezone.
type TemplateDrafter struct {
	templates Templates
	loc       *time.Location
}

// NewTemplateDrafter creates a drafter. Nil templates fall back to the defaults.
func NewTemplateDrafter(tpls Templates, loc *time.Location) *TemplateDrafter {
	defaults := DefaultTemplates()
	if tpls.ConfirmationRequest == nil {
		tpls.ConfirmationRequest = defaults.ConfirmationRequest
	}
	if tpls.Alternatives == nil {
		tpls.Alternatives = defaults.Alternatives
	}
	if tpls.Clarification == nil {
		tpls.Clarification = defaults.Clarification
	}
	if tpls.NoAvailability == nil {
		tpls.NoAvailability = defaults.NoAvailability
	}
	if tpls.Confirmed == nil {
		tpls.Confirmed = defaults.Confirmed
	}
	if tpls.Held == nil {
		tpls.Held = defaults.Held
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TemplateDrafter{templates: tpls, loc: loc}
}

type draftData struct {
	ID           string
	Counterparty string
	Subject      string
	Requested    string
	Confirmed    string
	Alternatives []string
	Zone         string
}

func (d *TemplateDrafter) data(n Negotiation) draftData {
	data := draftData{
		ID:           n.ID,
		Counterparty: n.Counterparty,
		Subject:      n.Subject,
		Zone:         d.loc.String(),
	}
	if n.Requested.Valid() {
		data.Requested = d.slot(n.Requested)
	}
	if n.Confirmed.Valid() {
		data.Confirmed = d.slot(n.Confirmed)
	}
	for _, alt := range n.Alternatives {
		data.Alternatives = append(data.Alternatives, d.slot(alt))
	}
	return data
}

func (d *TemplateDrafter) slot(iv interval.TimeInterval) string {
	return fmt.Sprintf("%s (%d min)", iv.Start.In(d.loc).Format(slotLayout), int(iv.Duration().Minutes()))
}

func (d *TemplateDrafter) render(t *template.Template, n Negotiation) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d.data(n)); err != nil {
		return fmt.Sprintf("(failed to render %s: %v)", t.Name(), err)
	}
	return buf.String()
}

// ConfirmationRequest asks the user to approve the requested slot.
func (d *TemplateDrafter) ConfirmationRequest(n Negotiation, userEmail string) Outbound {
	return Outbound{
		To:      userEmail,
		Subject: "Confirm meeting: " + subjectOrDefault(n.Subject),
		Body:    d.render(d.templates.ConfirmationRequest, n),
	}
}

// Held tells the user a negotiation waits for the calendar.
func (d *TemplateDrafter) Held(n Negotiation, userEmail string) Outbound {
	return Outbound{
		To:      userEmail,
		Subject: "On hold: " + subjectOrDefault(n.Subject),
		Body:    d.render(d.templates.Held, n),
	}
}

// Alternatives offers ranked slots to the counterparty.
func (d *TemplateDrafter) Alternatives(n Negotiation) Outbound {
	return d.reply(n, d.templates.Alternatives)
}

// Clarification asks the counterparty for a concrete time.
func (d *TemplateDrafter) Clarification(n Negotiation) Outbound {
	return d.reply(n, d.templates.Clarification)
}

// NoAvailability tells the counterparty no slot could be found.
func (d *TemplateDrafter) NoAvailability(n Negotiation) Outbound {
	return d.reply(n, d.templates.NoAvailability)
}

// Confirmed tells the counterparty the meeting is booked.
func (d *TemplateDrafter) Confirmed(n Negotiation) Outbound {
	return Outbound{
		To:        n.Counterparty,
		Subject:   "Confirmed: " + subjectOrDefault(n.Subject),
		Body:      d.render(d.templates.Confirmed, n),
		ThreadID:  n.ThreadID,
		InReplyTo: n.RFC822ID,
	}
}

func (d *TemplateDrafter) reply(n Negotiation, t *template.Template) Outbound {
	return Outbound{
		To:        n.Counterparty,
		Subject:   replySubject(n.Subject),
		Body:      d.render(t, n),
		ThreadID:  n.ThreadID,
		InReplyTo: n.RFC822ID,
	}
}

func subjectOrDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Meeting Request"
	}
	return s
}

func replySubject(s string) string {
	s = subjectOrDefault(s)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
