package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/util"
)

// IdempotencyKey returns a fresh key for one logical tool call. Retries of
// the same call (including the fallback attempt) reuse it.
func IdempotencyKey() string {
	return uuid.NewString()
}

type availabilityRequest struct {
	Date        string `json:"date"`
	ServiceType string `json:"service_type"`
}

type availabilityResponse struct {
	Slots []models.Slot `json:"slots"`
}

// GetAvailability lists open visit slots starting on date.
func (c *Client) GetAvailability(ctx context.Context, date time.Time, serviceType string) ([]models.Slot, error) {
	key := IdempotencyKey()
	body := availabilityRequest{Date: date.Format("2006-01-02"), ServiceType: serviceType}
	resp, _, err := WithFallback(ctx, c.policy(), func(ctx context.Context, base string) (availabilityResponse, error) {
		var out availabilityResponse
		err := c.postJSON(ctx, base, "/availability", key, body, &out)
		return out, err
	})
	if err != nil {
		slog.Error("tools.Client.GetAvailability: failed", "date", body.Date, "error", err)
		return nil, fmt.Errorf("get availability: %w", err)
	}
	slog.Debug("tools.Client.GetAvailability: slots", "date", body.Date, "count", len(resp.Slots))
	return resp.Slots, nil
}

// BookingRequest is the data sent to create an appointment.
type BookingRequest struct {
	Name      string    `json:"client_name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	Equipment string    `json:"equipment"`
	Brand     string    `json:"brand,omitempty"`
	Problem   string    `json:"problem,omitempty"`
	SlotID    string    `json:"slot_id,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type bookingResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Message     string    `json:"message"`
}

// ambiguousMarkers are response fragments meaning the booking may already exist.
var ambiguousMarkers = []string{
	"processing", "processando", "em processamento", "duplicate key", "already exists", "ja existe", "já existe", "pending",
}

// IsAmbiguous reports whether err or a response message leaves open whether
// the booking was created.
func IsAmbiguous(err error, message string) bool {
	text := strings.ToLower(message)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) {
			if he.StatusCode == http.StatusConflict || he.StatusCode == http.StatusAccepted {
				return true
			}
			text += " " + strings.ToLower(he.Body)
		}
		// the request may have reached the backend before the deadline
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
	}
	for _, m := range ambiguousMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

type appointmentsResponse struct {
	Appointments []models.AppointmentRecord `json:"appointments"`
}

// CreateAppointment books a visit. Success is reported only once the backend
// lists an appointment for the same phone created within the verification
// window. After a clean answer the local mirror is never consulted, and a
// lookup that fails outright falls back to the answer's id. An ambiguous
// answer or a transport failure is resolved by the same lookup, with the
// local mirror as a second source.
func (c *Client) CreateAppointment(ctx context.Context, req BookingRequest) (models.AppointmentRecord, error) {
	key := IdempotencyKey()
	requestedAt := c.opts.Now()

	resp, _, err := WithFallback(ctx, c.policy(), func(ctx context.Context, base string) (bookingResponse, error) {
		var out bookingResponse
		err := c.postJSON(ctx, base, "/appointments", key, req, &out)
		return out, err
	})

	ambiguous := IsAmbiguous(err, resp.Message+" "+resp.Status)
	if err == nil && resp.ID != "" && !ambiguous {
		rec := models.AppointmentRecord{
			ID:          resp.ID,
			Phone:       req.Phone,
			ScheduledAt: resp.ScheduledAt,
			Status:      models.AppointmentStatusConfirmed,
			CreatedAt:   requestedAt,
		}
		if rec.ScheduledAt.IsZero() {
			rec.ScheduledAt = req.Start
		}
		return c.confirm(ctx, rec)
	}
	if err == nil && resp.ID == "" {
		ambiguous = true
	}

	if err != nil && !ambiguous && !errors.Is(err, ErrToolUnavailable) {
		slog.Error("tools.Client.CreateAppointment: rejected", "phone", req.Phone, "error", err)
		return models.AppointmentRecord{}, fmt.Errorf("create appointment: %w", err)
	}

	found, verr := c.verify(ctx, req.Phone, true)
	if verr != nil {
		slog.Error("tools.Client.CreateAppointment: verification failed", "phone", req.Phone, "error", verr)
	}
	if found != nil {
		slog.Info("tools.Client.CreateAppointment: appointment verified", "id", found.ID, "phone", req.Phone, "ambiguous", ambiguous)
		return *found, nil
	}

	switch {
	case err != nil && errors.Is(err, ErrToolUnavailable) && !ambiguous:
		return models.AppointmentRecord{}, fmt.Errorf("create appointment: %w", err)
	case ambiguous:
		slog.Warn("tools.Client.CreateAppointment: unresolved ambiguous response", "phone", req.Phone, "error", err)
		return models.AppointmentRecord{}, ErrAmbiguousBooking
	default:
		return models.AppointmentRecord{}, fmt.Errorf("%w: appointment not found after booking", ErrAmbiguousBooking)
	}
}

// confirm checks a clean booking answer against the backend lookup.
func (c *Client) confirm(ctx context.Context, rec models.AppointmentRecord) (models.AppointmentRecord, error) {
	if rec.Phone == "" {
		c.mirror(ctx, rec)
		return rec, nil
	}
	found, err := c.verify(ctx, rec.Phone, false)
	switch {
	case found != nil:
		slog.Info("tools.Client.CreateAppointment: appointment verified", "id", found.ID, "phone", rec.Phone)
		return *found, nil
	case err != nil:
		slog.Warn("tools.Client.CreateAppointment: lookup unavailable, using booking answer", "id", rec.ID, "error", err)
		c.mirror(ctx, rec)
		return rec, nil
	default:
		slog.Warn("tools.Client.CreateAppointment: booked id not listed by backend", "id", rec.ID, "phone", rec.Phone)
		return models.AppointmentRecord{}, fmt.Errorf("%w: appointment %s not listed after booking", ErrAmbiguousBooking, rec.ID)
	}
}

// mirror records rec locally. A failure is logged and otherwise ignored: the
// backend already holds the booking.
func (c *Client) mirror(ctx context.Context, rec models.AppointmentRecord) {
	if c.appts == nil {
		return
	}
	if err := c.appts.SaveAppointment(ctx, rec); err != nil {
		slog.Warn("tools.Client.mirror: failed to record appointment", "id", rec.ID, "error", err)
	}
}

// verify polls for a recent booking for phone, asking the backend first and,
// when useMirror is set, the local mirror second. A backend hit is mirrored.
func (c *Client) verify(ctx context.Context, phone string, useMirror bool) (*models.AppointmentRecord, error) {
	if phone == "" {
		return nil, nil
	}
	attempts := max(1, c.opts.PollAttempts)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.PollInterval):
			}
		}
		since := c.opts.Now().Add(-c.opts.VerifyWindow)
		rec, err := c.lookupBackend(ctx, phone, since)
		if err != nil {
			slog.Warn("tools.Client.verify: backend lookup failed", "phone", phone, "attempt", i+1, "error", err)
			lastErr = err
		}
		if rec != nil {
			c.mirror(ctx, *rec)
			return rec, nil
		}
		if !useMirror || c.appts == nil {
			continue
		}
		rec, err = c.appts.FindRecentAppointmentByPhone(ctx, phone, since, c.opts.SuffixDigits)
		if err != nil {
			lastErr = err
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, lastErr
}

// lookupBackend asks the backend for the most recent active appointment for
// phone created at or after since.
func (c *Client) lookupBackend(ctx context.Context, phone string, since time.Time) (*models.AppointmentRecord, error) {
	query := url.Values{"phone": {util.DigitsOnly(phone)}, "since": {since.UTC().Format(time.RFC3339)}}
	resp, _, err := WithFallback(ctx, c.policy(), func(ctx context.Context, base string) (appointmentsResponse, error) {
		var out appointmentsResponse
		err := c.getJSON(ctx, base, "/appointments", query, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("lookup appointments: %w", err)
	}
	return latestMatch(resp.Appointments, phone, since, c.opts.SuffixDigits), nil
}

// latestMatch picks the newest active appointment whose phone matches. The
// backend filter is not trusted.
func latestMatch(appts []models.AppointmentRecord, phone string, since time.Time, suffixDigits int) *models.AppointmentRecord {
	want := trailingDigits(phone, suffixDigits)
	var best *models.AppointmentRecord
	for i := range appts {
		a := appts[i]
		if a.ID == "" || a.Status == models.AppointmentStatusCancelled || a.CreatedAt.Before(since) {
			continue
		}
		got := trailingDigits(a.Phone, suffixDigits)
		if got == "" || got != want || (suffixDigits > 0 && len(got) < suffixDigits) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = &a
		}
	}
	if best != nil && best.Status == "" {
		best.Status = models.AppointmentStatusConfirmed
	}
	return best
}

func trailingDigits(phone string, n int) string {
	d := util.DigitsOnly(phone)
	if n > 0 && len(d) > n {
		return d[len(d)-n:]
	}
	return d
}

// CancelAppointment cancels a booked visit and marks the stored record cancelled.
func (c *Client) CancelAppointment(ctx context.Context, id, phone string) error {
	key := IdempotencyKey()
	path := "/appointments/" + url.PathEscape(id) + "/cancel"
	_, _, err := WithFallback(ctx, c.policy(), func(ctx context.Context, base string) (struct{}, error) {
		return struct{}{}, c.postJSON(ctx, base, path, key, map[string]string{"id": id}, nil)
	})
	if err != nil {
		slog.Error("tools.Client.CancelAppointment: failed", "id", id, "error", err)
		return fmt.Errorf("cancel appointment: %w", err)
	}
	if c.appts != nil && phone != "" {
		rec, ferr := c.appts.FindRecentAppointmentByPhone(ctx, phone, time.Time{}, 0)
		if ferr == nil && rec != nil && rec.ID == id {
			rec.Status = models.AppointmentStatusCancelled
			if serr := c.appts.SaveAppointment(ctx, *rec); serr != nil {
				slog.Warn("tools.Client.CancelAppointment: failed to update record", "id", id, "error", serr)
			}
		}
	}
	slog.Info("tools.Client.CancelAppointment: cancelled", "id", id)
	return nil
}
