// Package mongodb implements MongoDB adapters for the application.
package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailhub_server/core/domain"
)

// =============================================================================
// MongoDB Message Body Adapter
// =============================================================================

const (
	collectionMessageBodies = "message_bodies"

	// Compression threshold - only compress if content is larger than this
	bodyCompressionThreshold = 1024 // 1KB
)

// BodyAdapter implements out.MessageBodyStore using MongoDB. 원문은 미러
// 레코드와 분리 보관하고, 필요 시 gzip으로 압축합니다.
type BodyAdapter struct {
	collection *mongo.Collection
}

func NewBodyAdapter(db *mongo.Database) *BodyAdapter {
	return &BodyAdapter{collection: db.Collection(collectionMessageBodies)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BodyAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "account_id", Value: 1}},
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type bodyDocument struct {
	MessageID int64 `bson:"message_id"`
	AccountID int64 `bson:"account_id"`

	// Content (potentially compressed)
	HTML         []byte `bson:"html,omitempty"`
	Text         []byte `bson:"text,omitempty"`
	IsCompressed bool   `bson:"is_compressed"`

	FetchedAt time.Time `bson:"fetched_at"`
}

func toDocument(body *domain.MessageBody) (*bodyDocument, error) {
	doc := &bodyDocument{
		MessageID: body.MessageID,
		AccountID: body.AccountID,
		FetchedAt: body.FetchedAt,
	}

	if len(body.HTML)+len(body.Text) > bodyCompressionThreshold {
		html, err := gzipBytes([]byte(body.HTML))
		if err != nil {
			return nil, fmt.Errorf("compress html: %w", err)
		}
		text, err := gzipBytes([]byte(body.Text))
		if err != nil {
			return nil, fmt.Errorf("compress text: %w", err)
		}
		doc.HTML, doc.Text, doc.IsCompressed = html, text, true
		return doc, nil
	}

	doc.HTML = []byte(body.HTML)
	doc.Text = []byte(body.Text)
	return doc, nil
}

func (d *bodyDocument) toDomain() (*domain.MessageBody, error) {
	body := &domain.MessageBody{
		MessageID: d.MessageID,
		AccountID: d.AccountID,
		FetchedAt: d.FetchedAt,
	}

	if !d.IsCompressed {
		body.HTML = string(d.HTML)
		body.Text = string(d.Text)
		return body, nil
	}

	html, err := gunzipBytes(d.HTML)
	if err != nil {
		return nil, fmt.Errorf("decompress html: %w", err)
	}
	text, err := gunzipBytes(d.Text)
	if err != nil {
		return nil, fmt.Errorf("decompress text: %w", err)
	}
	body.HTML = string(html)
	body.Text = string(text)
	return body, nil
}

// =============================================================================
// Operations
// =============================================================================

// Save upserts a body by message id.
func (a *BodyAdapter) Save(ctx context.Context, body *domain.MessageBody) error {
	doc, err := toDocument(body)
	if err != nil {
		return err
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"message_id": body.MessageID}

	if _, err := a.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("save message body %d: %w", body.MessageID, err)
	}
	return nil
}

func (a *BodyAdapter) Get(ctx context.Context, messageID int64) (*domain.MessageBody, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message body %d: %w", messageID, err)
	}
	return doc.toDomain()
}

// DeleteByAccount removes every stored body for an account. 계정 연결 해제 시
// 호출됩니다.
func (a *BodyAdapter) DeleteByAccount(ctx context.Context, accountID int64) error {
	if _, err := a.collection.DeleteMany(ctx, bson.M{"account_id": accountID}); err != nil {
		return fmt.Errorf("delete bodies for account %d: %w", accountID, err)
	}
	return nil
}

// =============================================================================
// Compression
// =============================================================================

func gzipBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
