package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL. Key records are
// sealed at rest with a key derived from the server master secret; the
// service can open the envelope it wrote but the record inside remains an
// opaque client blob.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	sealKey []byte
}

// NewPostgresBackend opens a pgxpool connection and derives the record
// seal key from masterSecret.
func NewPostgresBackend(ctx context.Context, connStr string, masterSecret []byte) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	sealKey, err := crypto.DeriveSealKey(masterSecret)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBackend{pool: pool, sealKey: sealKey}, nil
}

func (p *PostgresBackend) Close() {
	crypto.ZeroBytes(p.sealKey)
	p.pool.Close()
}

// --- Key records ---

func (p *PostgresBackend) SaveKeyRecord(ctx context.Context, recordKey string, rec *models.KeyRecord, ttl time.Duration) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling key record: %w", err)
	}
	sealed, err := crypto.SealRecord(plain, p.sealKey)
	if err != nil {
		return fmt.Errorf("sealing key record: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO key_records (record_key, sealed_record, key_id, created_at, expires_at)
		 VALUES ($1, $2, $3, NOW(), NOW() + $4::interval)
		 ON CONFLICT (record_key) DO UPDATE
		 SET sealed_record = EXCLUDED.sealed_record,
		     key_id = EXCLUDED.key_id,
		     created_at = NOW(),
		     expires_at = EXCLUDED.expires_at`,
		recordKey, sealed, rec.KeyID, fmt.Sprintf("%d seconds", int64(ttl.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("storing key record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) LoadKeyRecord(ctx context.Context, recordKey string) (*models.KeyRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT sealed_record, expires_at FROM key_records WHERE record_key = $1`,
		recordKey,
	)
	var sealed []byte
	var expiresAt time.Time
	if err := row.Scan(&sealed, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !time.Now().Before(expiresAt) {
		// Lazy reap: an expired record reads as absent.
		_, _ = p.pool.Exec(ctx, `DELETE FROM key_records WHERE record_key = $1 AND expires_at <= NOW()`, recordKey)
		return nil, ErrNotFound
	}

	plain, err := crypto.OpenRecord(sealed, p.sealKey)
	if err != nil {
		return nil, fmt.Errorf("unsealing key record: %w", err)
	}
	var rec models.KeyRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("decoding key record: %w", err)
	}
	return &rec, nil
}

// --- Messages ---

func (p *PostgresBackend) AppendMessage(ctx context.Context, msg *models.Message) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, user_id, content, encrypted_content, encryption_key_id, iv, is_encrypted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ChannelID, msg.UserID, msg.Content, msg.EncryptedContent,
		msg.EncryptionKeyID, msg.IV, msg.IsEncrypted, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (p *PostgresBackend) ListMessages(ctx context.Context, channelID string, limit int) ([]*models.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, channel_id, user_id, content, encrypted_content, encryption_key_id, iv, is_encrypted, created_at
		 FROM messages WHERE channel_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &m.EncryptedContent,
			&m.EncryptionKeyID, &m.IV, &m.IsEncrypted, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountKeyRecords(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM key_records WHERE expires_at > NOW()`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
