package objectstore

import (
	"encoding/json"
	"testing"

	"halforge/internal/domain"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, runID, name string
		want                string
	}{
		{"", "run-1", "aidl/hvac/IHvacProperties.aidl", "run-1/aidl/hvac/IHvacProperties.aidl"},
		{"halforge", "run-1", "/docs/design.md", "halforge/run-1/docs/design.md"},
		{"", "run-1", "./build\\Android.bp", "run-1/build/Android.bp"},
		{"p", "run-1", "", "p/run-1/"},
	}
	for _, tc := range tests {
		if got := objectKey(tc.prefix, tc.runID, tc.name); got != tc.want {
			t.Fatalf("objectKey(%q, %q, %q)=%q want=%q", tc.prefix, tc.runID, tc.name, got, tc.want)
		}
	}
}

func TestBuildManifest(t *testing.T) {
	data, err := buildManifest(domain.Artifact{
		ID:         "a1",
		TaskID:     "aidl.HVAC",
		Kind:       domain.TaskKindAIDL,
		Provenance: domain.ProvenanceGenerated,
		Checksum:   "abc",
		Content:    domain.Content{Entities: []domain.Entity{{Name: "aidl/x.aidl", Role: "interface", Body: "12345"}}},
	})
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if m.TaskID != "aidl.HVAC" || len(m.Entities) != 1 || m.Entities[0].Bytes != 5 {
		t.Fatalf("manifest=%+v", m)
	}
}

func TestNewS3SinkRequiresConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
	}{
		{name: "endpoint", cfg: S3Config{AccessKey: "a", SecretKey: "s", Bucket: "b"}},
		{name: "credentials", cfg: S3Config{Endpoint: "localhost:9000", Bucket: "b"}},
		{name: "bucket", cfg: S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewS3Sink(tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	sink, err := NewS3Sink(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b", Prefix: "/halforge/"})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if sink.prefix != "halforge" || sink.region != "us-east-1" {
		t.Fatalf("sink prefix=%q region=%q", sink.prefix, sink.region)
	}
}
