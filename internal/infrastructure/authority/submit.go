package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Submission is one signed envelope bound for the authority
type Submission struct {
	EnvelopeID uuid.UUID
	SetID      string
	Payload    []byte
	// MaybeDelivered is set when an earlier submit of the same envelope
	// ended ambiguously; the authority is asked before anything is resent.
	MaybeDelivered bool
}

// Submit uploads an envelope and returns the authority's verdict. A
// synchronous rejection is a REJECTED verdict, not an error. A 4xx answer
// to the upload itself is *dte.SubmissionRefusedError and is not retried.
// Transient failures are retried with exponential backoff. After an ambiguous
// failure the envelope is looked up by set id and only resent once the
// authority confirms it never received it. When retries run out the error
// is *dte.UnknownSubmissionStateError if the envelope may have been
// delivered, *dte.TransportTimeoutError otherwise.
func (c *Client) Submit(ctx context.Context, s Submission) (dte.Verdict, error) {
	if len(s.Payload) == 0 || s.SetID == "" {
		return dte.Verdict{}, errors.New("authority: submission needs a payload and a set id")
	}
	log := c.logger.With(zap.String("envelope_id", s.EnvelopeID.String()), zap.String("set_id", s.SetID))

	start := time.Now()
	maybeDelivered := s.MaybeDelivered
	var lastErr error
	attempt := 0

	for attempt < c.config.MaxAttempts {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if time.Since(start)+delay > c.config.RetryWindow {
				log.Warn("retry window exhausted", zap.Int("attempt", attempt), zap.Duration("elapsed", time.Since(start)))
				break
			}
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		attempt++

		if maybeDelivered {
			v, err := c.Reconcile(ctx, s.SetID)
			if err != nil {
				lastErr = err
				log.Warn("reconciliation failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if v.Kind != dte.VerdictNotReceived {
				log.Info("envelope found at the authority", zap.String("track_id", v.TrackID), zap.String("verdict", string(v.Kind)))
				return v, nil
			}
			log.Info("authority confirmed envelope was not received, resending")
			maybeDelivered = false
		}

		v, err := c.upload(ctx, s)
		if err == nil {
			log.Info("envelope uploaded", zap.Int("attempt", attempt), zap.String("track_id", v.TrackID), zap.String("verdict", string(v.Kind)))
			return v, nil
		}
		if errors.Is(err, dte.ErrSubmissionRefused) {
			log.Warn("upload refused", zap.Int("attempt", attempt), zap.Error(err))
			return dte.Verdict{}, err
		}
		lastErr = err
		if isAmbiguous(err) {
			maybeDelivered = true
		}
		log.Warn("upload failed", zap.Int("attempt", attempt), zap.Bool("ambiguous", isAmbiguous(err)), zap.Error(err))
	}

	if lastErr == nil {
		lastErr = errors.New("no attempt was made")
	}
	if maybeDelivered {
		return dte.Verdict{}, &dte.UnknownSubmissionStateError{EnvelopeID: s.EnvelopeID, SetID: s.SetID, Err: lastErr}
	}
	return dte.Verdict{}, &dte.TransportTimeoutError{Attempts: attempt, Elapsed: time.Since(start), Err: lastErr}
}

// upload sends the envelope once, refreshing the session token a single
// time if the authority reports it invalid
func (c *Client) upload(ctx context.Context, s Submission) (dte.Verdict, error) {
	for refreshed := false; ; refreshed = true {
		receipt, err := c.uploadOnce(ctx, s)
		if errors.Is(err, errTokenRejected) || (err == nil && receipt.Status == uploadTokenInvalid) {
			c.invalidateToken(ctx)
			if refreshed {
				return dte.Verdict{}, &callError{Op: "upload", Err: errors.New("session token rejected twice")}
			}
			continue
		}
		if err != nil {
			var re *refusedError
			if errors.As(err, &re) {
				return dte.Verdict{}, &dte.SubmissionRefusedError{Status: re.Status, Detail: re.Body}
			}
			return dte.Verdict{}, err
		}
		if receipt.Status == uploadBusy {
			return dte.Verdict{}, &callError{Op: "upload", Err: errors.New("authority busy, envelope not accepted for processing")}
		}
		return receipt.verdict(), nil
	}
}

func (c *Client) uploadOnce(ctx context.Context, s Submission) (uploadReceipt, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return uploadReceipt{}, err
	}
	body, contentType, err := c.multipartBody(s)
	if err != nil {
		return uploadReceipt{}, err
	}
	resp, err := c.do(ctx, request{
		op:          "upload",
		method:      http.MethodPost,
		path:        "/upload",
		body:        body,
		contentType: contentType,
		token:       tok,
	})
	if err != nil {
		return uploadReceipt{}, err
	}
	receipt, err := parseUploadReceipt(resp)
	if err != nil {
		// a 2xx with an unreadable body may still mean the envelope was taken
		return uploadReceipt{}, &callError{Op: "upload", Ambiguous: true, Err: err}
	}
	return receipt, nil
}

func (c *Client) multipartBody(s Submission) ([]byte, string, error) {
	senderBody, senderDV, _ := dte.SplitRUT(c.config.SenderRUT)
	companyBody, companyDV, _ := dte.SplitRUT(c.config.CompanyRUT)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"rutSender", senderBody},
		{"dvSender", senderDV},
		{"rutCompany", companyBody},
		{"dvCompany", companyDV},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("authority: writing %s: %w", f[0], err)
		}
	}
	part, err := w.CreateFormFile("archivo", s.SetID+".xml")
	if err != nil {
		return nil, "", fmt.Errorf("authority: creating file part: %w", err)
	}
	if _, err := part.Write(s.Payload); err != nil {
		return nil, "", fmt.Errorf("authority: writing file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("authority: closing multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Lookup asks whether the authority holds an envelope with the given set id
// and returns its track id
func (c *Client) Lookup(ctx context.Context, setID string) (string, bool, error) {
	var trackID string
	var found bool
	err := c.withToken(ctx, func(tok string) error {
		body, err := c.do(ctx, request{
			op:     "lookup",
			method: http.MethodGet,
			path:   "/upload/lookup",
			query:  url.Values{"setId": {setID}},
			token:  tok,
		})
		if err != nil {
			return err
		}
		trackID, found, err = parseLookup(body)
		return err
	})
	return trackID, found, err
}

// Poll queries the processing state of a track id
func (c *Client) Poll(ctx context.Context, trackID string) (dte.Verdict, error) {
	var v dte.Verdict
	err := c.withToken(ctx, func(tok string) error {
		body, err := c.do(ctx, request{
			op:     "status",
			method: http.MethodGet,
			path:   "/status",
			query:  url.Values{"trackId": {trackID}},
			token:  tok,
		})
		if err != nil {
			return err
		}
		v, err = parseStatus(trackID, body)
		return err
	})
	if err != nil {
		return dte.Verdict{}, err
	}
	if v.Kind == dte.VerdictNotReceived {
		// a track id was issued, so the envelope was received; the
		// authority has not indexed it yet
		return dte.Pending(trackID, v.Code, v.Detail), nil
	}
	return v, nil
}

// Reconcile resolves an envelope whose submission outcome is unknown:
// NOT_RECEIVED when the authority never got it, otherwise the current
// verdict under the track id it was assigned
func (c *Client) Reconcile(ctx context.Context, setID string) (dte.Verdict, error) {
	trackID, found, err := c.Lookup(ctx, setID)
	if err != nil {
		return dte.Verdict{}, err
	}
	if !found {
		return dte.NotReceived(notReceivedState, "Envelope not received"), nil
	}
	return c.Poll(ctx, trackID)
}

// withToken runs a read-only call, re-authenticating once on a rejected token
func (c *Client) withToken(ctx context.Context, call func(token string) error) error {
	for refreshed := false; ; refreshed = true {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		err = call(tok)
		if errors.Is(err, errTokenRejected) && !refreshed {
			c.invalidateToken(ctx)
			continue
		}
		return err
	}
}

// backoff returns the delay before retry n (n >= 1)
func (c *Client) backoff(n int) time.Duration {
	d := c.config.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.config.MaxBackoff {
			return c.config.MaxBackoff
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
