// Package handlers exposes the conversation, ingestion, screening, privacy
// and counselor endpoints over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/wolfman30/saathi-ai-platform/internal/http/middleware"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
)

const maxBodyBytes = 1 << 20

var (
	errOwnerRequired = errors.New("owner_id is required")
	errOwnerMismatch = errors.New("owner_id does not match the authenticated owner")
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON rejects unknown fields and bodies over maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// consentBody is honored only when no owner token is present.
type consentBody struct {
	DataStorage      bool `json:"data_storage"`
	ScreeningStorage bool `json:"screening_storage"`
}

// resolveOwner picks the owner id and consent for a request. With an owner
// token the claims win and a conflicting body owner is rejected; without one
// (local development) the body is trusted.
func resolveOwner(r *http.Request, bodyOwner string, bodyConsent *consentBody) (string, session.ConsentFlags, error) {
	bodyOwner = strings.TrimSpace(bodyOwner)
	if claims, ok := middleware.OwnerClaimsFromContext(r.Context()); ok {
		if bodyOwner != "" && bodyOwner != claims.Subject {
			return "", session.ConsentFlags{}, errOwnerMismatch
		}
		return claims.Subject, session.ConsentFlags{
			DataStorage:      claims.ConsentDataStorage,
			ScreeningStorage: claims.ConsentScreeningStorage,
		}, nil
	}
	if bodyOwner == "" {
		return "", session.ConsentFlags{}, errOwnerRequired
	}
	var consent session.ConsentFlags
	if bodyConsent != nil {
		consent = session.ConsentFlags{DataStorage: bodyConsent.DataStorage, ScreeningStorage: bodyConsent.ScreeningStorage}
	}
	return bodyOwner, consent, nil
}

func ownerErrorStatus(err error) int {
	if errors.Is(err, errOwnerMismatch) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}
