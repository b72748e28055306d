package services

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"

	domain "github.com/vendora/engine/internal/domain"
)

var supportedLocales = []language.Tag{
	language.English,
	language.Japanese,
}

type messageTemplate struct {
	subject string
	html    string
	text    string
}

var messageTemplates = map[domain.NotificationTemplate]map[language.Tag]messageTemplate{
	domain.TemplateOrderConfirmed: {
		language.English: {
			subject: "Your order {{.orderNumber}} is confirmed",
			html:    "<p>Thanks for your purchase. Order <strong>{{.orderNumber}}</strong> is paid and on its way to fulfilment.</p>",
			text:    "Thanks for your purchase. Order {{.orderNumber}} is paid and on its way to fulfilment.",
		},
		language.Japanese: {
			subject: "ご注文 {{.orderNumber}} を承りました",
			html:    "<p>ご購入ありがとうございます。ご注文 <strong>{{.orderNumber}}</strong> の決済が完了しました。</p>",
			text:    "ご購入ありがとうございます。ご注文 {{.orderNumber}} の決済が完了しました。",
		},
	},
	domain.TemplateOrderShipped: {
		language.English: {
			subject: "Order {{.orderNumber}} has shipped",
			html:    "<p>Order <strong>{{.orderNumber}}</strong> has been handed to the carrier.</p>",
			text:    "Order {{.orderNumber}} has been handed to the carrier.",
		},
		language.Japanese: {
			subject: "ご注文 {{.orderNumber}} を発送しました",
			html:    "<p>ご注文 <strong>{{.orderNumber}}</strong> を発送しました。</p>",
			text:    "ご注文 {{.orderNumber}} を発送しました。",
		},
	},
	domain.TemplateOrderDelivered: {
		language.English: {
			subject: "Order {{.orderNumber}} was delivered",
			html:    "<p>Order <strong>{{.orderNumber}}</strong> was delivered. We hope you enjoy it.</p>",
			text:    "Order {{.orderNumber}} was delivered. We hope you enjoy it.",
		},
		language.Japanese: {
			subject: "ご注文 {{.orderNumber}} が配達されました",
			html:    "<p>ご注文 <strong>{{.orderNumber}}</strong> が配達されました。</p>",
			text:    "ご注文 {{.orderNumber}} が配達されました。",
		},
	},
	domain.TemplateOrderCancelled: {
		language.English: {
			subject: "Order {{.orderNumber}} was cancelled",
			html:    "<p>Order <strong>{{.orderNumber}}</strong> was cancelled. No payment was taken.</p>",
			text:    "Order {{.orderNumber}} was cancelled. No payment was taken.",
		},
		language.Japanese: {
			subject: "ご注文 {{.orderNumber}} はキャンセルされました",
			html:    "<p>ご注文 <strong>{{.orderNumber}}</strong> はキャンセルされました。お支払いは発生していません。</p>",
			text:    "ご注文 {{.orderNumber}} はキャンセルされました。お支払いは発生していません。",
		},
	},
	domain.TemplateRefundProcessed: {
		language.English: {
			subject: "Refund for order {{.orderNumber}}",
			html:    "<p>Your refund for order <strong>{{.orderNumber}}</strong> has been processed.</p>",
			text:    "Your refund for order {{.orderNumber}} has been processed.",
		},
		language.Japanese: {
			subject: "ご注文 {{.orderNumber}} の返金について",
			html:    "<p>ご注文 <strong>{{.orderNumber}}</strong> の返金処理が完了しました。</p>",
			text:    "ご注文 {{.orderNumber}} の返金処理が完了しました。",
		},
	},
}

// TemplateRenderer renders notification messages from the built-in
// template table, matching the buyer locale against supported languages
// and sanitising the HTML body before it leaves the process.
type TemplateRenderer struct {
	matcher language.Matcher
	policy  *bluemonday.Policy
}

// NewTemplateRenderer constructs the default renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		matcher: language.NewMatcher(supportedLocales),
		policy:  bluemonday.UGCPolicy(),
	}
}

// Render implements NotificationRenderer.
func (r *TemplateRenderer) Render(ctx context.Context, notification Notification) (RenderedMessage, error) {
	variants, ok := messageTemplates[notification.Template]
	if !ok {
		return RenderedMessage{}, fmt.Errorf("notifications: unknown template %q", notification.Template)
	}

	// The matched tag can carry extensions that differ from the table keys,
	// so look up by the matcher's index into the supported set.
	_, index := language.MatchStrings(r.matcher, notification.Locale)
	variant, ok := variants[supportedLocales[index]]
	if !ok {
		variant = variants[language.English]
	}

	subject, err := renderTemplate(variant.subject, notification.Data)
	if err != nil {
		return RenderedMessage{}, err
	}
	html, err := renderTemplate(variant.html, notification.Data)
	if err != nil {
		return RenderedMessage{}, err
	}
	text, err := renderTemplate(variant.text, notification.Data)
	if err != nil {
		return RenderedMessage{}, err
	}

	return RenderedMessage{
		Recipient: notification.Recipient,
		Subject:   subject,
		HTMLBody:  r.policy.Sanitize(html),
		TextBody:  text,
	}, nil
}

func renderTemplate(source string, data map[string]any) (string, error) {
	tmpl, err := template.New("message").Option("missingkey=zero").Parse(source)
	if err != nil {
		return "", fmt.Errorf("notifications: parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notifications: execute template: %w", err)
	}
	return buf.String(), nil
}
