package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestIsNoSuchKey(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"minio code", minio.ErrorResponse{Code: "NoSuchKey"}, true},
		{"wrapped minio code", fmt.Errorf("stat: %w", minio.ErrorResponse{Code: "NotFound"}), true},
		{"bolt sentinel", fmt.Errorf("%w: k", ErrObjectNotFound), true},
		{"status only", minio.ErrorResponse{StatusCode: 404}, true},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}, false},
		{"plain string", errors.New("template not found"), false},
		{"other", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsNoSuchKey(tc.err); got != tc.want {
				t.Fatalf("IsNoSuchKey(%v) = %v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsNoSuchBucket(t *testing.T) {
	if !IsNoSuchBucket(minio.ErrorResponse{Code: "NoSuchBucket"}) {
		t.Fatal("expected NoSuchBucket to match")
	}
	if IsNoSuchBucket(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Fatal("NoSuchKey must not match bucket check")
	}
}
