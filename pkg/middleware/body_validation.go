package middleware

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/blobkit/proxy/pkg/apierr"
	"github.com/blobkit/proxy/pkg/types"
)

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// ValidateWriteBody schema-checks the decoded WriteRequest body,
// returning 400 INVALID_REQUEST with a field-level message on the
// first violation found.
func ValidateWriteBody() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readAndRestoreBody(r)
			if err != nil {
				apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, "failed to read request body"))
				return
			}

			var req types.WriteRequest
			if err := json.Unmarshal(body, &req); err != nil {
				apierr.WriteError(w, apierr.NewWithDetails(apierr.KindInvalidRequest, "malformed JSON body", map[string]interface{}{"field": "body"}))
				return
			}

			var fields map[string]json.RawMessage
			_ = json.Unmarshal(body, &fields)
			for name := range fields {
				switch name {
				case "jobId", "paymentTxHash", "payload", "signature", "meta", "timestamp":
				default:
					apierr.WriteError(w, apierr.NewWithDetails(apierr.KindInvalidRequest, "unknown field "+name, map[string]interface{}{"field": name}))
					return
				}
			}

			if field, msg := validateFields(req); field != "" {
				apierr.WriteError(w, apierr.NewWithDetails(apierr.KindInvalidRequest, msg, map[string]interface{}{"field": field}))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validateFields(req types.WriteRequest) (field, message string) {
	if req.JobID == "" {
		return "jobId", "jobId is required"
	}
	if req.PaymentTxHash == "" {
		return "paymentTxHash", "paymentTxHash is required"
	}
	if req.Payload == "" {
		return "payload", "payload is required"
	}
	if _, err := base64.StdEncoding.DecodeString(req.Payload); err != nil {
		return "payload", "payload must be valid base64"
	}
	if req.Signature == "" {
		return "signature", "signature is required"
	}
	if _, err := base64.StdEncoding.DecodeString(req.Signature); err != nil {
		return "signature", "signature must be valid base64"
	}
	return "", ""
}
