// Package ingest turns uploaded documents and finished conversation turns into
// owner memory, synchronously or through a job queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultMaxBytes int64 = 5 << 20

// IngestionError means the document could not be turned into text. Nothing
// was stored.
type IngestionError struct {
	Source string
	Reason string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest: %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("ingest: %s: %s", e.Source, e.Reason)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// IsIngestionError reports whether err carries an *IngestionError.
func IsIngestionError(err error) bool {
	var ie *IngestionError
	return errors.As(err, &ie)
}

// Document is one ingestion request. SourceURIOrText is either inline text or
// an s3://bucket/key reference.
type Document struct {
	OwnerID         string `json:"owner_id"`
	SourceURIOrText string `json:"source_uri_or_text"`
	Filename        string `json:"filename,omitempty"`
}

// ObjectGetter is the subset of the S3 client used for document sources.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Extractor resolves a document to plain text or markdown.
type Extractor struct {
	objects  ObjectGetter
	maxBytes int64
	bucket   string
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithAllowedBucket limits s3:// sources to one bucket.
func WithAllowedBucket(bucket string) ExtractorOption {
	return func(e *Extractor) {
		e.bucket = strings.TrimSpace(bucket)
	}
}

// NewExtractor accepts a nil object getter; s3:// sources then fail.
func NewExtractor(objects ObjectGetter, maxBytes int64, opts ...ExtractorOption) *Extractor {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	e := &Extractor{objects: objects, maxBytes: maxBytes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the document text. Every failure is an *IngestionError.
func (e *Extractor) Extract(ctx context.Context, doc Document) (string, error) {
	source := strings.TrimSpace(doc.SourceURIOrText)
	label := doc.Filename
	if label == "" {
		label = "inline"
	}
	if source == "" {
		return "", &IngestionError{Source: label, Reason: "empty document"}
	}

	var (
		raw         []byte
		contentType string
	)
	if strings.HasPrefix(source, "s3://") {
		label = source
		data, ct, err := e.fetchObject(ctx, source)
		if err != nil {
			return "", err
		}
		raw, contentType = data, ct
	} else {
		if int64(len(source)) > e.maxBytes {
			return "", &IngestionError{Source: label, Reason: "document too large"}
		}
		raw = []byte(source)
	}

	if !utf8.Valid(raw) {
		return "", &IngestionError{Source: label, Reason: "document is not valid UTF-8 text"}
	}

	text := string(raw)
	switch kind := documentKind(doc.Filename, contentType, text); kind {
	case kindHTML:
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return "", &IngestionError{Source: label, Reason: "html conversion failed", Err: err}
		}
		text = md
	case kindText:
	default:
		return "", &IngestionError{Source: label, Reason: fmt.Sprintf("unsupported document type %q", kind)}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &IngestionError{Source: label, Reason: "no extractable text"}
	}
	return text, nil
}

func (e *Extractor) fetchObject(ctx context.Context, uri string) ([]byte, string, error) {
	if e.objects == nil {
		return nil, "", &IngestionError{Source: uri, Reason: "object storage is not configured"}
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, "", &IngestionError{Source: uri, Reason: "malformed s3 uri"}
	}
	if e.bucket != "" && bucket != e.bucket {
		return nil, "", &IngestionError{Source: uri, Reason: "bucket not allowed"}
	}
	out, err := e.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", &IngestionError{Source: uri, Reason: "fetch failed", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, e.maxBytes+1))
	if err != nil {
		return nil, "", &IngestionError{Source: uri, Reason: "read failed", Err: err}
	}
	if int64(len(data)) > e.maxBytes {
		return nil, "", &IngestionError{Source: uri, Reason: "document too large"}
	}
	return data, aws.ToString(out.ContentType), nil
}

const (
	kindText = "text"
	kindHTML = "html"
)

// documentKind decides by extension, then content type, then content sniffing.
func documentKind(filename, contentType, text string) string {
	switch ext := strings.ToLower(path.Ext(filename)); ext {
	case ".html", ".htm":
		return kindHTML
	case ".txt", ".md", ".markdown", "":
	default:
		return strings.TrimPrefix(ext, ".")
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch {
			case mediaType == "text/html" || mediaType == "application/xhtml+xml":
				return kindHTML
			case strings.HasPrefix(mediaType, "text/"):
				return kindText
			case mediaType != "application/octet-stream":
				return mediaType
			}
		}
	}
	if looksLikeHTML(text) {
		return kindHTML
	}
	return kindText
}

func looksLikeHTML(text string) bool {
	head := strings.ToLower(strings.TrimSpace(text))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") ||
		(strings.HasPrefix(head, "<") && strings.Contains(head, "</"))
}
