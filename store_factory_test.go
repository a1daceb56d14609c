package syncabletree

import (
	"testing"

	"pkt.systems/syncabletree/internal/storage"
)

func TestOpenBackendMemory(t *testing.T) {
	cfg := Config{Store: "mem://scratch"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := OpenBackend(cfg, nil, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	desc, ok := storage.Describe(backend)
	if !ok {
		t.Fatalf("expected description through decorators")
	}
	if desc.Kind != "memory" || desc.Locator != "mem://scratch" || !desc.Local {
		t.Fatalf("unexpected description %+v", desc)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Store: "disk://" + root}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := OpenBackend(cfg, nil, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	desc, _ := storage.Describe(backend)
	if desc.Kind != "disk" || !desc.Local {
		t.Fatalf("unexpected description %+v", desc)
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3MaxPartSize:     8 << 20,
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure {
		t.Fatalf("expected insecure flag from query")
	}
	if !s3cfg.ForcePathStyle {
		t.Fatalf("expected force path style")
	}
	if s3cfg.KMSKeyID != "k1" {
		t.Fatalf("unexpected kms key: %s", s3cfg.KMSKeyID)
	}
	if s3cfg.PartSize != 8<<20 || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("unexpected upload tuning: %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatalf("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
}

func TestBuildGenericS3ConfigCredentials(t *testing.T) {
	t.Setenv("SYNCABLETREE_S3_ROOT_USER", "")
	t.Setenv("SYNCABLETREE_S3_ROOT_PASSWORD", "")
	_, summary, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/b"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if summary.Source != "chain" {
		t.Fatalf("expected default credential chain, got %+v", summary)
	}

	t.Setenv("SYNCABLETREE_S3_ROOT_USER", "root")
	t.Setenv("SYNCABLETREE_S3_ROOT_PASSWORD", "secret")
	cfg, summary, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/b"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if cfg.CustomCreds == nil || summary.AccessKey != "root" || summary.Source != "env:SYNCABLETREE_S3_ROOT_USER" {
		t.Fatalf("unexpected env credentials %+v", summary)
	}

	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/b", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{
		Store:         "aws://my-bucket/prefix?endpoint=http://127.0.0.1:4566&path-style=true",
		AWSRegion:     "us-west-2",
		AWSKMSKeyID:   "aws-kms",
		S3MaxPartSize: 4 << 20,
	}
	awsCfg, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" {
		t.Fatalf("unexpected bucket/prefix: %+v", awsCfg)
	}
	if awsCfg.Region != "us-west-2" || awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("unexpected region/kms: %+v", awsCfg)
	}
	if awsCfg.Endpoint != "http://127.0.0.1:4566" || !awsCfg.ForcePathStyle {
		t.Fatalf("unexpected endpoint override: %+v", awsCfg)
	}
	if awsCfg.PartSize != 4<<20 {
		t.Fatalf("unexpected part size %d", awsCfg.PartSize)
	}

	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := BuildAWSConfig(Config{Store: "aws://my-bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
	regional, err := BuildAWSConfig(Config{Store: "aws://my-bucket?region=eu-north-1", AWSRegion: "us-east-1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if regional.Region != "eu-north-1" {
		t.Fatalf("expected query region to win, got %s", regional.Region)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://acct/container/some/prefix?endpoint=http://127.0.0.1:10000/acct",
		AzureAccountKey: "a2V5",
	}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "acct" || azureCfg.Container != "container" || azureCfg.Prefix != "some/prefix" {
		t.Fatalf("unexpected azure config: %+v", azureCfg)
	}
	if azureCfg.Endpoint != "http://127.0.0.1:10000/acct" || azureCfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected endpoint/key: %+v", azureCfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct/"}); err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	diskCfg, root, err := BuildDiskConfig(Config{Store: "disk:///srv/annex/../remote"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if root != "/srv/remote" || diskCfg.Root != root {
		t.Fatalf("unexpected root %q (%+v)", root, diskCfg)
	}
	if _, root, err := BuildDiskConfig(Config{Store: "disk://data/remote"}); err != nil || root != "/data/remote" {
		t.Fatalf("expected host to join the path, got %q err %v", root, err)
	}
	if _, _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected error for empty disk path")
	}
}
