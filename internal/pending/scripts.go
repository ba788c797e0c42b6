package pending

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"example.com/conversion-relay/internal/payload"
)

const (
	DefaultInitialDelay  = 2 * time.Second
	DefaultRetryInterval = time.Second
	DefaultMaxAttempts   = 10

	immediateRetryInterval = 500 * time.Millisecond
	immediateMaxAttempts   = 20
)

// gtagTemplate waits for gtag, sends every call once, then optionally
// clears the server-side queue and expires the anonymous cookie. It gives up
// silently after MaxAttempts checks.
var gtagTemplate = template.Must(template.New("gtag").Parse(`<script>
(function() {
	var calls = {{.Calls}};
	var attempts = 0;
	function run() {
		if (typeof gtag === 'undefined') {
			attempts++;
			if (attempts < {{.MaxAttempts}}) {
				setTimeout(run, {{.RetryMs}});
			}
			return;
		}
		for (var i = 0; i < calls.length; i++) {
			gtag('event', calls[i].event, calls[i].params);
		}
{{- if .ClearURL}}
		if (window.fetch) {
			fetch({{.ClearURL}}, {method: 'POST', credentials: 'same-origin', headers: {'X-Relay-Nonce': {{.ClearToken}}}});
		}
{{- end}}
{{- if .CookieName}}
		document.cookie = {{.CookieName}} + '=; expires=Thu, 01 Jan 1970 00:00:00 UTC; path=/;';
{{- end}}
	}
	setTimeout(run, {{.InitialMs}});
})();
</script>`))

type gtagCall struct {
	Event  string         `json:"event"`
	Params map[string]any `json:"params"`
}

type gtagScript struct {
	Calls       []gtagCall
	InitialMs   int64
	RetryMs     int64
	MaxAttempts int
	ClearURL    string
	ClearToken  string
	CookieName  string
}

// FlushScript describes the footer script replaying queued conversions.
type FlushScript struct {
	// SendTo is the Ads conversion target, see SendTo.
	SendTo  string
	Records []Record
	// ClearURL and ClearToken are set for the user scope. The browser posts
	// to ClearURL once every conversion has been handed to gtag.
	ClearURL   string
	ClearToken string

	InitialDelay  time.Duration
	RetryInterval time.Duration
	MaxAttempts   int
}

// RenderFlushScript returns an empty snippet when there is nothing to send
// or no conversion target.
func RenderFlushScript(fs FlushScript) (template.HTML, error) {
	if fs.SendTo == "" || len(fs.Records) == 0 {
		return "", nil
	}
	if fs.InitialDelay <= 0 {
		fs.InitialDelay = DefaultInitialDelay
	}
	if fs.RetryInterval <= 0 {
		fs.RetryInterval = DefaultRetryInterval
	}
	if fs.MaxAttempts <= 0 {
		fs.MaxAttempts = DefaultMaxAttempts
	}
	calls := make([]gtagCall, 0, len(fs.Records))
	for _, rec := range fs.Records {
		calls = append(calls, gtagCall{Event: "conversion", Params: ConversionParams(fs.SendTo, rec.Payload)})
	}
	return render(gtagScript{
		Calls:       calls,
		InitialMs:   fs.InitialDelay.Milliseconds(),
		RetryMs:     fs.RetryInterval.Milliseconds(),
		MaxAttempts: fs.MaxAttempts,
		ClearURL:    fs.ClearURL,
		ClearToken:  fs.ClearToken,
		CookieName:  CookieName,
	})
}

// RenderConversionScript sends one conversion as soon as gtag shows up.
func RenderConversionScript(sendTo string, p payload.Purchase) (template.HTML, error) {
	if sendTo == "" {
		return "", nil
	}
	return RenderEventScript("conversion", ConversionParams(sendTo, p))
}

// RenderEventScript sends a single gtag event as soon as gtag shows up.
func RenderEventScript(event string, params map[string]any) (template.HTML, error) {
	return render(gtagScript{
		Calls:       []gtagCall{{Event: event, Params: params}},
		RetryMs:     immediateRetryInterval.Milliseconds(),
		MaxAttempts: immediateMaxAttempts,
	})
}

// SendTo builds the Ads "AW-<id>/<label>" target. It is empty unless both
// parts are configured.
func SendTo(conversionID, label string) string {
	conversionID = strings.TrimPrefix(strings.TrimSpace(conversionID), "AW-")
	label = strings.TrimSpace(label)
	if conversionID == "" || label == "" {
		return ""
	}
	return "AW-" + conversionID + "/" + label
}

// ConversionParams maps a purchase onto Ads conversion parameters.
func ConversionParams(sendTo string, p payload.Purchase) map[string]any {
	params := map[string]any{
		"send_to":        sendTo,
		"transaction_id": p.TransactionID,
		"value":          p.Value,
		"currency":       p.Currency,
		"tax":            p.Tax,
		"shipping":       p.Shipping,
		"coupon":         p.Coupon,
	}
	if len(p.Items) > 0 {
		params["items"] = p.Items
	}
	return params
}

func render(s gtagScript) (template.HTML, error) {
	var buf bytes.Buffer
	if err := gtagTemplate.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("render gtag script: %w", err)
	}
	return template.HTML(buf.String()), nil
}
