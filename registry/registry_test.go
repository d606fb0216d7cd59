package registry

import (
	"path/filepath"
	"testing"
)

func TestUpsertAndDecryptPassword(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "clientes_api.json"), "test-secret")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p, err := r.Upsert(Profile{Name: "ATS"}, "s3cr3t")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := r.Password(p)
	if err != nil {
		t.Fatalf("password: %v", err)
	}
	if got != "s3cr3t" {
		t.Fatalf("password = %q, want s3cr3t", got)
	}

	active := r.Active()
	if active == nil || active.ID != p.ID {
		t.Fatalf("expected first upserted profile to become active, got %#v", active)
	}
}

func TestMigrateLegacyEndpoints(t *testing.T) {
	doc := document{
		Items:               []Profile{{ID: "a"}},
		EndpointMotorista:   "/api/motoristas",
		EndpointAfastamento: "/api/afastamentos",
	}
	migrateLegacy(&doc)

	if len(doc.Items[0].Endpoints) != 2 {
		t.Fatalf("expected 2 migrated endpoints, got %d", len(doc.Items[0].Endpoints))
	}
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "missing.json"), "secret")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.Active() != nil {
		t.Fatalf("expected no active profile for missing file")
	}
}
