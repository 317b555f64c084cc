package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
	"debate_engine/internal/service"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{service.ErrNotCreator, http.StatusForbidden},
		{service.ErrSideTaken, http.StatusConflict},
		{fmt.Errorf("%w: finished -> debating", models.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("%w: unknown format", service.ErrInvalidFormat), http.StatusBadRequest},
		{service.ErrInvalidSubject, http.StatusBadRequest},
		{service.ErrInvalidChannel, http.StatusBadRequest},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, errorStatus(tt.err), tt.err.Error())
	}
}

func TestTerminationMessagesCoverAllOutcomes(t *testing.T) {
	outcomes := []service.TerminationOutcome{
		service.TerminationRequested, service.TerminationAgreed, service.TerminationDeclined,
		service.TerminationNotFreeFormat, service.TerminationNotDebating, service.TerminationNotParticipant,
		service.TerminationAlreadyRequested, service.TerminationNoProposal, service.TerminationSelfResponse,
	}
	for _, o := range outcomes {
		require.NotEmpty(t, terminationMessages[o], string(o))
	}
}

func TestWebhookVerify(t *testing.T) {
	open := &WebhookHandler{}
	require.True(t, open.verify([]byte("{}"), ""))

	h := &WebhookHandler{secret: "s3cret"}
	require.False(t, h.verify([]byte("{}"), ""))
	require.False(t, h.verify([]byte("{}"), "zz"))
	require.True(t, h.verify([]byte("{}"), sign("s3cret", []byte("{}"))))
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
