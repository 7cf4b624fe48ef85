package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(slog.NewJSONHandler(&buf, nil))

	ctx := WithCallData(context.Background(), &CallData{MessageID: "m1", Method: "GET", URL: "/ucwa"})
	ctx = WithAuthData(ctx, &AuthData{State: "authenticated", Errors: 2})
	ctx = WithOperationData(ctx, &OperationData{OperationID: "op-1"})
	log.With("component", "test").InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	call, ok := rec["call"].(map[string]any)
	if !ok || call["id"] != "m1" || call["method"] != "GET" {
		t.Fatalf("call group = %v", rec["call"])
	}
	auth, ok := rec["auth"].(map[string]any)
	if !ok || auth["state"] != "authenticated" || auth["errors"] != float64(2) {
		t.Fatalf("auth group = %v", rec["auth"])
	}
	op, ok := rec["op"].(map[string]any)
	if !ok || op["id"] != "op-1" {
		t.Fatalf("op group = %v", rec["op"])
	}
	if rec["component"] != "test" {
		t.Fatalf("component attr lost through WithAttrs: %v", rec)
	}
}

func TestNilHandlerDiscards(t *testing.T) {
	log := NewLogger(nil)
	log.Info("dropped")
}
