package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/app"
	_ "github.com/hexeko/billing/testing"
)

func TestWorkerSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.NotPanics(t, main)
}
