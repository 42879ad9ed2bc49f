package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

func TestAlreadyExists(t *testing.T) {
	tableExists := &azcore.ResponseError{ErrorCode: string(aztables.TableAlreadyExists), StatusCode: 409}
	queueExists := &azcore.ResponseError{ErrorCode: queueAlreadyExists, StatusCode: 409}
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{name: "table", err: tableExists, code: string(aztables.TableAlreadyExists), want: true},
		{name: "wrapped", err: fmt.Errorf("create: %w", queueExists), code: queueAlreadyExists, want: true},
		{name: "otherCode", err: tableExists, code: queueAlreadyExists, want: false},
		{name: "plain", err: errors.New("boom"), code: queueAlreadyExists, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alreadyExists(tt.err, tt.code); got != tt.want {
				t.Fatalf("alreadyExists() = %v, want %v", got, tt.want)
			}
		})
	}
}
