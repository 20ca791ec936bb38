package asaasclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCancelChargeSendsDeleteWithAccessToken(t *testing.T) {
	var gotMethod, gotPath, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotToken = r.Method, r.URL.Path, r.Header.Get("access_token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"deleted":true,"id":"pay_123"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "key-1", nil)
	if err := client.CancelCharge(context.Background(), "pay_123"); err != nil {
		t.Fatalf("CancelCharge returned error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v3/payments/pay_123" || gotToken != "key-1" {
		t.Fatalf("unexpected request %s %s token=%q", gotMethod, gotPath, gotToken)
	}
}

func TestCancelChargeTreatsNotFoundAsCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := NewClient(server.URL, "k", nil).CancelCharge(context.Background(), "pay_gone"); err != nil {
		t.Fatalf("expected 404 to be treated as cancelled, got %v", err)
	}
}

func TestCancelChargeReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"invalid_action","description":"Cobrança já recebida"}]}`))
	}))
	defer server.Close()

	err := NewClient(server.URL, "k", nil).CancelCharge(context.Background(), "pay_paid")
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *ErrorResponse, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Errors[0].Code != "invalid_action" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestCancelChargeRequiresID(t *testing.T) {
	if err := NewClient("http://unused", "k", nil).CancelCharge(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty charge id")
	}
}
