package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var errInvalidReportToken = errors.New("invalid report token")

// reportTokenClaims gate report file downloads. The signed link posted
// to Slack must stop working after the TTL.
type reportTokenClaims struct {
	ReportID  string `json:"reportId"`
	ExpiresAt int64  `json:"exp"`
}

// ReportLinkSigner issues and verifies the time-limited download links
// embedded in Slack notifications. Both the API and the worker need
// one, so it lives apart from the Handler.
type ReportLinkSigner struct {
	secret  string
	baseURL string
	ttl     time.Duration
}

func NewReportLinkSigner(secret, baseURL string, ttl time.Duration) *ReportLinkSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReportLinkSigner{
		secret:  strings.TrimSpace(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
	}
}

func (s *ReportLinkSigner) Enabled() bool {
	return s != nil && s.secret != ""
}

// SignURL builds the full download URL for a report.
func (s *ReportLinkSigner) SignURL(reportID string) (string, error) {
	token, err := s.signToken(reportID, time.Now().UTC().Add(s.ttl))
	if err != nil {
		return "", err
	}
	return s.baseURL + "/v1/reports/" + reportID + "/file?token=" + token, nil
}

func (s *ReportLinkSigner) signToken(reportID string, expiresAt time.Time) (string, error) {
	if !s.Enabled() {
		return "", errInvalidReportToken
	}

	claims := reportTokenClaims{
		ReportID:  strings.TrimSpace(reportID),
		ExpiresAt: expiresAt.UTC().Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return encodedPayload + "." + s.signPayload(encodedPayload), nil
}

func (s *ReportLinkSigner) verifyToken(rawToken string) (reportTokenClaims, error) {
	if !s.Enabled() {
		return reportTokenClaims{}, errInvalidReportToken
	}

	parts := strings.Split(strings.TrimSpace(rawToken), ".")
	if len(parts) != 2 {
		return reportTokenClaims{}, errInvalidReportToken
	}

	encodedPayload := parts[0]
	signature := parts[1]
	expected := s.signPayload(encodedPayload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return reportTokenClaims{}, errInvalidReportToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return reportTokenClaims{}, errInvalidReportToken
	}

	claims := reportTokenClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return reportTokenClaims{}, errInvalidReportToken
	}

	if claims.ReportID == "" {
		return reportTokenClaims{}, errInvalidReportToken
	}
	if claims.ExpiresAt < time.Now().UTC().Unix() {
		return reportTokenClaims{}, errInvalidReportToken
	}

	return claims, nil
}

func (s *ReportLinkSigner) signPayload(encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
