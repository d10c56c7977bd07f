package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"settleflow/dispute"
	"settleflow/mailer"
	"settleflow/outbox"
)

// event is the subset of the dispute outbox payload the dispatcher reads.
type event struct {
	DisputeID      string `json:"dispute_id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	CreatorID      string `json:"creator_id"`
	CreatorEmail   string `json:"creator_email"`
	DefendantEmail string `json:"defendant_email"`
	DefendantID    string `json:"defendant_id"`
	ResolutionText string `json:"resolution_text"`
	ActorID        string `json:"actor_id"`
	AdminNotes     string `json:"admin_notes"`
}

// recipient is a user to notify in-app and/or by e-mail.
type recipient struct {
	id    string
	email string
}

// Dispatcher turns dispute events into in-app notifications and e-mails. It
// runs as an outbox handler, so retries re-deliver; inserts are deduplicated
// per outbox message.
type Dispatcher struct {
	repo   Repository
	mail   mailer.Sender
	logger *slog.Logger
}

func NewDispatcher(repo Repository, mail mailer.Sender, logger *slog.Logger) *Dispatcher {
	if mail == nil {
		mail = mailer.LogSender{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{repo: repo, mail: mail, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, msg outbox.Message) error {
	var ev event
	if err := msg.Decode(&ev); err != nil {
		// A payload we cannot read will not get better on retry.
		d.logger.ErrorContext(ctx, "undecodable dispute event", "message_id", msg.ID, "topic", msg.Topic, "error", err)
		return nil
	}

	link := "/dispute/" + ev.DisputeID
	notify := func(to recipient, kind, title, message, target string) error {
		if to.id == "" {
			return nil
		}
		return d.repo.Insert(ctx, Notification{UserID: to.id, Type: kind, Title: title, Message: message, Link: target},
			fmt.Sprintf("%d:%s:%s", msg.ID, to.id, kind))
	}

	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch msg.Topic {
	case dispute.TopicCreated:
		def, err := d.defendant(ctx, ev)
		if err != nil {
			return err
		}
		add(notify(def, "dispute_filed", "New Dispute Filed Against You",
			fmt.Sprintf("A new dispute '%s' has been filed against you. Please review and respond.", ev.Title), link))
		add(notify(plaintiff(ev), "dispute_filed_confirmation", "Dispute Filed Successfully",
			fmt.Sprintf("Your dispute '%s' has been successfully filed. You will be notified when the defendant responds.", ev.Title), link))
		add(d.email(ctx, ev.DefendantEmail, mailer.TemplateDisputeFiled, ev))
		add(d.email(ctx, ev.CreatorEmail, mailer.TemplateConfirmation, ev))

	case dispute.TopicAccepted:
		add(notify(plaintiff(ev), "dispute_accepted", "Dispute Accepted",
			fmt.Sprintf("Your dispute '%s' has been accepted by the defendant. Live chat is now open.", ev.Title), link))
		add(d.email(ctx, ev.CreatorEmail, mailer.TemplateAccepted, ev))

	case dispute.TopicRejected:
		add(notify(plaintiff(ev), "dispute_rejected", "Dispute Rejected",
			fmt.Sprintf("Your dispute '%s' has been rejected by the defendant.", ev.Title), link))
		add(d.email(ctx, ev.CreatorEmail, mailer.TemplateRejected, ev))

	case dispute.TopicProposal:
		other, err := d.counterparty(ctx, ev)
		if err != nil {
			return err
		}
		add(notify(other, "proposal_received", "New Resolution Proposal",
			fmt.Sprintf("A resolution has been proposed for '%s'. Please review.", ev.Title), link))
		add(d.email(ctx, other.email, mailer.TemplateProposal, ev))

	case dispute.TopicPendingApproval:
		add(d.notifyAdmins(ctx, notify, "pending_approval", "New Resolution Pending Approval",
			fmt.Sprintf("Both parties have agreed to a resolution for '%s'. Please review and approve.", ev.Title),
			"/admin/approvals/"+ev.DisputeID))

	case dispute.TopicEscalationRequested:
		other, err := d.counterparty(ctx, ev)
		if err != nil {
			return err
		}
		add(notify(other, "escalation_requested", "Escalation Requested",
			fmt.Sprintf("The other party asked to escalate '%s' to an admin.", ev.Title), link))

	case dispute.TopicEscalated:
		add(d.notifyAdmins(ctx, notify, "escalated", "Dispute Escalated",
			fmt.Sprintf("Both parties escalated '%s'. A binding verdict is required.", ev.Title),
			"/admin/escalations/"+ev.DisputeID))
		parties, err := d.parties(ctx, ev)
		if err != nil {
			return err
		}
		for _, p := range parties {
			add(notify(p, "dispute_escalated", "Dispute Escalated",
				fmt.Sprintf("'%s' is now with an admin for a final decision.", ev.Title), link))
		}

	case dispute.TopicSigned:
		other, err := d.counterparty(ctx, ev)
		if err != nil {
			return err
		}
		add(notify(other, "agreement_signed", "Agreement Signed",
			fmt.Sprintf("The other party signed the settlement for '%s'.", ev.Title), link))

	case dispute.TopicResolutionApproved, dispute.TopicResolutionRejected, dispute.TopicEscalationResolved:
		kind, title, message, template := outcomeCopy(msg.Topic, ev)
		parties, err := d.parties(ctx, ev)
		if err != nil {
			return err
		}
		for _, p := range parties {
			add(notify(p, kind, title, message, link))
			add(d.email(ctx, p.email, template, ev))
		}

	case dispute.TopicDeleted:
		def, err := d.defendant(ctx, ev)
		if err != nil {
			return err
		}
		add(notify(def, "dispute_dropped", "Dispute Withdrawn",
			fmt.Sprintf("The dispute '%s' has been withdrawn by the plaintiff.", ev.Title), ""))
		add(d.email(ctx, ev.DefendantEmail, mailer.TemplateDisputeDropped, ev))
	}

	return errors.Join(errs...)
}

func outcomeCopy(topic string, ev event) (kind, title, message, template string) {
	switch topic {
	case dispute.TopicResolutionApproved:
		return "resolution_approved", "Resolution Approved",
			fmt.Sprintf("The dispute '%s' has been approved by admin. The case is now officially resolved.", ev.Title),
			mailer.TemplateResolutionApproved
	case dispute.TopicResolutionRejected:
		reason := ev.AdminNotes
		if reason == "" {
			reason = "No reason provided"
		}
		return "resolution_rejected", "Resolution Rejected",
			fmt.Sprintf("The proposed resolution for '%s' was rejected by admin. Reason: %s. Please continue negotiations.", ev.Title, reason),
			mailer.TemplateResolutionRejected
	}
	return "escalation_resolved", "Verdict Issued",
		fmt.Sprintf("An admin issued a binding verdict for '%s'.", ev.Title),
		mailer.TemplateEscalationResolved
}

func (d *Dispatcher) email(ctx context.Context, to, template string, ev event) error {
	if to == "" {
		return nil
	}
	err := d.mail.Send(ctx, mailer.Email{
		To:       to,
		Template: template,
		Params: map[string]string{
			"dispute_title":   ev.Title,
			"dispute_id":      ev.DisputeID,
			"plaintiff_email": ev.CreatorEmail,
			"defendant_email": ev.DefendantEmail,
			"resolution_text": ev.ResolutionText,
			"admin_notes":     ev.AdminNotes,
		},
	})
	if errors.Is(err, mailer.ErrNotConfigured) {
		return nil
	}
	return err
}

func (d *Dispatcher) notifyAdmins(ctx context.Context, notify func(recipient, string, string, string, string) error, kind, title, message, link string) error {
	ids, err := d.repo.AdminIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := notify(recipient{id: id}, kind, title, message, link); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func plaintiff(ev event) recipient {
	return recipient{id: ev.CreatorID, email: ev.CreatorEmail}
}

// defendant resolves the defendant's account; unregistered defendants get
// e-mail only.
func (d *Dispatcher) defendant(ctx context.Context, ev event) (recipient, error) {
	r := recipient{id: ev.DefendantID, email: ev.DefendantEmail}
	if r.id != "" || r.email == "" {
		return r, nil
	}
	id, err := d.repo.UserIDByEmail(ctx, r.email)
	if err != nil {
		return recipient{}, err
	}
	r.id = id
	return r, nil
}

func (d *Dispatcher) parties(ctx context.Context, ev event) ([]recipient, error) {
	def, err := d.defendant(ctx, ev)
	if err != nil {
		return nil, err
	}
	return []recipient{plaintiff(ev), def}, nil
}

// counterparty is the party that did not perform the event.
func (d *Dispatcher) counterparty(ctx context.Context, ev event) (recipient, error) {
	if ev.ActorID != "" && ev.ActorID == ev.CreatorID {
		return d.defendant(ctx, ev)
	}
	return plaintiff(ev), nil
}
