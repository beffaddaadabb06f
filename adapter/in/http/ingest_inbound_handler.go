package http

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"ingest_server/core/port/in"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// InboundHandler receives the SendGrid inbound-parse webhook. One call
// carries one message.
type InboundHandler struct {
	service in.InboundEmailService
}

func NewInboundHandler(service in.InboundEmailService) *InboundHandler {
	return &InboundHandler{service: service}
}

// Register mounts the webhook. guard runs first and may be a no-op.
func (h *InboundHandler) Register(app fiber.Router, guard fiber.Handler) {
	app.Post("/webhooks/inbound-email", guard, h.Receive)
}

type inboundResponse struct {
	Success bool `json:"success"`
	*in.InboundEmailResult
}

func (h *InboundHandler) Receive(c *fiber.Ctx) error {
	fields, err := formFields(c)
	if err != nil {
		return apperr.MalformedPayload("body", "unreadable form payload")
	}

	req := &in.InboundEmailRequest{
		From:    fields["from"],
		To:      fields["to"],
		Subject: fields["subject"],
		Headers: headerBlock(fields),
		Text:    fields["text"],
		HTML:    fields["html"],
		RawMIME: fields["email"],
		Fields:  fields,
	}
	if strings.TrimSpace(req.To) == "" {
		return apperr.MissingField("to")
	}

	res, err := h.service.Receive(c.UserContext(), req)
	if err != nil {
		return err
	}

	logger.WithContext(c.UserContext()).
		WithField("thread_id", res.ThreadID).
		Info("[InboundHandler.Receive] reply %d stored (duplicate=%t)", res.ReplyID, res.Duplicate)

	return c.JSON(inboundResponse{Success: true, InboundEmailResult: res})
}

// formFields flattens a multipart or urlencoded body. The first value of a
// repeated field wins. Files are ignored.
func formFields(c *fiber.Ctx) (map[string]string, error) {
	fields := make(map[string]string)

	if strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, err
		}
		for k, v := range form.Value {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
		return fields, nil
	}

	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		key := string(k)
		if _, seen := fields[key]; !seen {
			fields[key] = string(v)
		}
	})
	return fields, nil
}

// headerBlock returns the raw "headers" field, or rebuilds a header block
// from "headers[Name]" fields when the sender posted them individually.
func headerBlock(fields map[string]string) string {
	if raw := fields["headers"]; raw != "" {
		return raw
	}

	var names []string
	for k := range fields {
		if strings.HasPrefix(k, "headers[") && strings.HasSuffix(k, "]") {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		name := strings.TrimSpace(k[len("headers[") : len(k)-1])
		if name == "" {
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(fields[k], "\n", " "))
		b.WriteString("\r\n")
	}
	return b.String()
}
