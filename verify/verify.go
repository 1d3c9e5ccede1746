// Package verify talks to the external screenshot verification and proof
// upload services.
package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"billswap/apperr"
	"billswap/metrics"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout     = apperr.Sentinel(apperr.CodeVerificationTimeout, "verify: verification timed out")
	ErrUnavailable = apperr.Sentinel(apperr.CodeVerificationUnavailable, "verify: verification service unavailable")
)

// Request describes the payment a screenshot is expected to show.
type Request struct {
	Image            []byte
	ExpectedAmount   decimal.Decimal
	ExpectedProvider string
	SwapID           string
}

// Result is the verification service's judgement.
type Result struct {
	Passed            bool            `json:"passed"`
	Confidence        float64         `json:"confidence"`
	ExtractedAmount   decimal.Decimal `json:"extracted_amount"`
	ExtractedProvider string          `json:"extracted_provider"`
}

type Verifier interface {
	VerifyScreenshot(ctx context.Context, req Request) (Result, error)
}

// Uploader stores proof bytes under their Fingerprint, so uploading the same
// image again rewrites one object instead of adding another.
type Uploader interface {
	UploadProof(ctx context.Context, data []byte) (string, error)
}

// Fingerprint identifies proof bytes for reuse detection.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type HTTPVerifier struct {
	endpoint    string
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
}

func NewHTTPVerifier(endpoint string, timeout time.Duration, maxAttempts int) *HTTPVerifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &HTTPVerifier{
		endpoint:    strings.TrimRight(endpoint, "/"),
		client:      &http.Client{},
		timeout:     timeout,
		maxAttempts: maxAttempts,
	}
}

type verifyRequest struct {
	Image            string          `json:"image_base64"`
	ExpectedAmount   decimal.Decimal `json:"expected_amount"`
	ExpectedProvider string          `json:"expected_provider"`
	SwapID           string          `json:"swap_id"`
}

// VerifyScreenshot asks the service to check a payment screenshot. The whole
// call, retries included, is bounded by the verifier's timeout.
func (v *HTTPVerifier) VerifyScreenshot(ctx context.Context, req Request) (Result, error) {
	if len(req.Image) == 0 {
		return Result{}, apperr.New(apperr.CodeInvalidInput, "verify: empty image")
	}
	body, err := json.Marshal(verifyRequest{
		Image:            base64.StdEncoding.EncodeToString(req.Image),
		ExpectedAmount:   req.ExpectedAmount,
		ExpectedProvider: req.ExpectedProvider,
		SwapID:           req.SwapID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("verify: marshal request: %w", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(v.maxAttempts-1)), ctx)

	res, err := backoff.RetryWithData(func() (Result, error) {
		return v.post(ctx, body)
	}, policy)
	if err != nil {
		err = classify(ctx, err)
		metrics.ObserveVerification(string(apperr.CodeOf(err)), start)
		return Result{}, err
	}

	outcome := "passed"
	if !res.Passed {
		outcome = "failed"
	}
	metrics.ObserveVerification(outcome, start)
	return res, nil
}

func (v *HTTPVerifier) post(ctx context.Context, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("verify: http status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, backoff.Permanent(apperr.New(apperr.CodeInvalidInput,
			"verify: rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("verify: decode response: %w", err))
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Result{}, backoff.Permanent(fmt.Errorf("verify: confidence %v out of range", res.Confidence))
	}
	return res, nil
}

func classify(ctx context.Context, err error) error {
	var coded *apperr.Error
	if errors.As(err, &coded) {
		return err
	}
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(err, apperr.CodeVerificationTimeout, ErrTimeout.Message)
	}
	return apperr.Wrap(err, apperr.CodeVerificationUnavailable, ErrUnavailable.Message)
}

// HTTPUploader PUTs proof bytes to endpoint/<fingerprint> and returns a
// retrievable URL.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
}

func NewHTTPUploader(endpoint string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPUploader{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (u *HTTPUploader) UploadProof(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperr.New(apperr.CodeInvalidInput, "verify: empty proof")
	}
	target := u.endpoint + "/" + Fingerprint(data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("verify: build upload: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeVerificationUnavailable, "verify: upload failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.New(apperr.CodeVerificationUnavailable, "verify: upload http status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("verify: decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("verify: upload response without url")
	}
	return out.URL, nil
}
