package services

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/platform/sendgrid"
)

// EmailKind names the assignment lifecycle emails. Each kind maps to one
// SendGrid dynamic template in the registry.
type EmailKind string

const (
	EmailKindNotify EmailKind = "notify"
	EmailKindRemind EmailKind = "remind"
	EmailKindCancel EmailKind = "cancel"
	EmailKindExpire EmailKind = "expire"
	EmailKindNudge  EmailKind = "nudge"
)

const emailTemplatesEnv = "ASSIGNMENT_EMAIL_TEMPLATES_YAML"

//go:embed templates.yaml
var emailTemplatesFS embed.FS

// fallback registry used when the YAML is missing or invalid
var fallbackEmailTemplates = map[EmailKind]emailTemplate{
	EmailKindNotify: {TemplateID: "d-2c14f1e0a9b44d5c8f0a8a4f2e7b6c91", Subject: "A course has been assigned to you", Categories: []string{"assignments", "notify"}},
	EmailKindRemind: {TemplateID: "d-7be04a5d13f24f6ab1c5d9e8f0a2b374", Subject: "Reminder: your assigned course is waiting", Categories: []string{"assignments", "remind"}},
	EmailKindCancel: {TemplateID: "d-90d3b2a1c4e54f7d8a6b5c4d3e2f1a08", Subject: "Your course assignment was canceled", Categories: []string{"assignments", "cancel"}},
	EmailKindExpire: {TemplateID: "d-4e8f7a6b5c4d3e2f1a0b9c8d7e6f5a41", Subject: "Your course assignment expired", Categories: []string{"assignments", "expire"}},
	EmailKindNudge:  {TemplateID: "d-1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c67", Subject: "Your course starts soon", Categories: []string{"assignments", "nudge"}},
}

type emailTemplate struct {
	TemplateID string   `yaml:"template_id"`
	Subject    string   `yaml:"subject"`
	Categories []string `yaml:"categories"`
}

type yamlTemplateRegistry struct {
	Registry  string                   `yaml:"registry"`
	Version   int                      `yaml:"version"`
	Templates map[string]emailTemplate `yaml:"templates"`
}

var emailTemplatesOnce sync.Once
var emailTemplatesCache map[EmailKind]emailTemplate
var emailTemplatesErr error

func currentEmailTemplates(log *logger.Logger) map[EmailKind]emailTemplate {
	emailTemplatesOnce.Do(func() {
		emailTemplatesCache, emailTemplatesErr = loadEmailTemplates()
	})
	if emailTemplatesErr != nil {
		if log != nil {
			log.Warn("email template registry load failed; using fallback", "error", emailTemplatesErr)
		}
		return fallbackEmailTemplates
	}
	return emailTemplatesCache
}

func loadEmailTemplates() (map[EmailKind]emailTemplate, error) {
	data, err := readEmailTemplates()
	if err != nil {
		return nil, err
	}

	var reg yamlTemplateRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	if err := validateEmailTemplates(&reg); err != nil {
		return nil, err
	}

	out := make(map[EmailKind]emailTemplate, len(reg.Templates))
	for name, tpl := range reg.Templates {
		out[EmailKind(name)] = tpl
	}
	return out, nil
}

func readEmailTemplates() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(emailTemplatesEnv)); path != "" {
		return os.ReadFile(path)
	}
	return emailTemplatesFS.ReadFile("templates.yaml")
}

func validateEmailTemplates(reg *yamlTemplateRegistry) error {
	if reg == nil {
		return errors.New("missing registry")
	}
	if strings.TrimSpace(reg.Registry) != "assignment-emails" {
		return fmt.Errorf("unexpected registry: %s", reg.Registry)
	}
	for _, kind := range []EmailKind{EmailKindNotify, EmailKindRemind, EmailKindCancel, EmailKindExpire, EmailKindNudge} {
		tpl, ok := reg.Templates[string(kind)]
		if !ok {
			return fmt.Errorf("missing template for kind %s", kind)
		}
		if strings.TrimSpace(tpl.TemplateID) == "" {
			return fmt.Errorf("template %s: empty template_id", kind)
		}
	}
	return nil
}

// NotificationService sends one lifecycle email per call. Callers record the
// outcome on the action log; this service only talks to the mail provider.
type NotificationService interface {
	// SendAssignmentEmail sends the kind's template to the assignment's
	// learner. md may be nil when course details are not needed or not
	// available; the template then renders without them.
	SendAssignmentEmail(ctx context.Context, kind EmailKind, a *types.LearnerContentAssignment, md *catalog.ContentMetadata) error
}

type notificationService struct {
	log  *logger.Logger
	mail sendgrid.Client
}

func NewNotificationService(baseLog *logger.Logger, mail sendgrid.Client) (NotificationService, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if mail == nil {
		return nil, fmt.Errorf("missing sendgrid client")
	}
	return &notificationService{
		log:  baseLog.With("service", "NotificationService"),
		mail: mail,
	}, nil
}

func (s *notificationService) SendAssignmentEmail(ctx context.Context, kind EmailKind, a *types.LearnerContentAssignment, md *catalog.ContentMetadata) error {
	if a == nil {
		return fmt.Errorf("missing assignment")
	}
	if a.PIIClearedAt != nil {
		return fmt.Errorf("assignment %s: learner email retired, cannot notify", a.ID)
	}
	email := strings.TrimSpace(a.LearnerEmail)
	if email == "" {
		return fmt.Errorf("assignment %s: empty learner email", a.ID)
	}

	tpl, ok := currentEmailTemplates(s.log)[kind]
	if !ok {
		return fmt.Errorf("unknown email kind %q", kind)
	}

	res, err := s.mail.Send(ctx, sendgrid.SendEmailRequest{
		To:                  []sendgrid.EmailAddress{{Email: email}},
		Subject:             tpl.Subject,
		TemplateID:          tpl.TemplateID,
		DynamicTemplateData: emailTemplateData(a, md),
		Categories:          tpl.Categories,
		CustomArgs: map[string]string{
			"assignment_id":    a.ID.String(),
			"configuration_id": a.AssignmentConfigurationID.String(),
		},
	})
	if err != nil {
		if metrics := observability.Current(); metrics != nil {
			metrics.IncNotificationSend(string(kind), "failed")
		}
		return err
	}
	if metrics := observability.Current(); metrics != nil {
		metrics.IncNotificationSend(string(kind), "sent")
	}

	s.log.Info("assignment email sent",
		"kind", string(kind),
		"assignment_id", a.ID,
		"message_id", res.MessageID,
	)
	return nil
}

func emailTemplateData(a *types.LearnerContentAssignment, md *catalog.ContentMetadata) map[string]any {
	data := map[string]any{
		"course_title": a.ContentTitle,
		"content_key":  a.ContentKey,
	}
	if md == nil {
		return data
	}
	if md.Title != "" && a.ContentTitle == "" {
		data["course_title"] = md.Title
	}
	norm := md.NormalizedMetadata
	if a.PreferredCourseRunKey != nil {
		if run, ok := md.NormalizedMetadataByRun[*a.PreferredCourseRunKey]; ok {
			norm = run
		}
	}
	if norm.StartDate != nil {
		data["start_date"] = norm.StartDate.Format("January 2, 2006")
	}
	if norm.EnrollByDate != nil {
		data["enroll_by_date"] = norm.EnrollByDate.Format("January 2, 2006")
	}
	return data
}
