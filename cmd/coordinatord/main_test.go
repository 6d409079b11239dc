package main

import (
	"context"
	"testing"

	"github.com/basket/coordplane/internal/config"
	"github.com/basket/coordplane/internal/errcode"
	"github.com/basket/coordplane/internal/store"
)

func TestRemotePushHandler_NoWorkerConfiguredIsNetworkError(t *testing.T) {
	cfg := config.Config{}
	handler := remotePushHandler(cfg)

	err := handler(context.Background(), &store.QueuedChange{})
	if err == nil {
		t.Fatal("expected an error with no Cloudflare worker configured")
	}
	if errcode.Of(err) != errcode.NetworkError {
		t.Fatalf("expected errcode.NetworkError, got %v", errcode.Of(err))
	}
}
