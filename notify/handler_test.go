package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/flipchat-billing/billing"
)

type externalResult struct {
	requestCode int
	resultCode  int
	payload     string
}

type recordingSink struct {
	pending int
	results []externalResult
}

func (s *recordingSink) HandleExternalResult(requestCode, resultCode int, payload []byte) bool {
	if requestCode != s.pending {
		return false
	}
	s.results = append(s.results, externalResult{requestCode, resultCode, string(payload)})
	return true
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, *DeveloperNotification) error {
	return errors.New("unavailable")
}

func envelope(data string) string {
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":"136969346945"},"subscription":"projects/flipchat/subscriptions/play"}`,
		base64.StdEncoding.EncodeToString([]byte(data)))
}

func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestHandler_Health(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), NewLocal(newCountingTrigger(), nil), &recordingSink{}, "")

	rec := serve(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_Notification(t *testing.T) {
	trigger := newCountingTrigger()
	tracker := &recordingTracker{}
	h := NewHandler(zaptest.NewLogger(t), NewLocal(trigger, tracker), &recordingSink{}, "xyz.flipchat.app")

	rec := serve(h, http.MethodPost, "/notifications", envelope(productNotification))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, trigger.Count())
	require.Equal(t, map[string]string{"diamante": "tok-1"}, tracker.Tokens())

	rec = serve(h, http.MethodPost, "/notifications", envelope(`{"version":"1.0","packageName":"xyz.flipchat.app","testNotification":{"version":"1.0"}}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, trigger.Count())

	rec = serve(h, http.MethodPost, "/notifications", envelope(`{"packageName":"com.other.app","oneTimeProductNotification":{"purchaseToken":"x","sku":"y"}}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, trigger.Count())

	for _, body := range []string{
		`not json`,
		`{"message":{"data":"%%%"}}`,
		envelope(`{"packageName":`),
	} {
		rec = serve(h, http.MethodPost, "/notifications", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Equal(t, 1, trigger.Count())
}

func TestHandler_NotificationDeliveryFailure(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), failingNotifier{}, &recordingSink{}, "")

	rec := serve(h, http.MethodPost, "/notifications", envelope(productNotification))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_PurchaseResult(t *testing.T) {
	sink := &recordingSink{pending: billing.DefaultPurchaseRequestCode}
	h := NewHandler(zaptest.NewLogger(t), NewLocal(newCountingTrigger(), nil), sink, "")

	rec := serve(h, http.MethodPost, "/purchases/2323/result", `{"responseCode":0}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(h, http.MethodPost, "/purchases/2323/result?resultCode=0", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Equal(t, []externalResult{
		{requestCode: 2323, resultCode: billing.HostResultOK, payload: `{"responseCode":0}`},
		{requestCode: 2323, resultCode: billing.HostResultCanceled, payload: ""},
	}, sink.results)

	rec = serve(h, http.MethodPost, "/purchases/1/result", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodPost, "/purchases/abc/result", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/purchases/2323/result?resultCode=ok", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, sink.results, 2)
}
