package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/kb-sync/internal/core/content"
)

// ContentRepository は content.Repository インターフェースを実装する PostgreSQL リポジトリ
type ContentRepository struct {
	pool *pgxpool.Pool
}

// NewContentRepository は新しい ContentRepository を作成する
func NewContentRepository(pool *pgxpool.Pool) *ContentRepository {
	return &ContentRepository{pool: pool}
}

// コンパイル時の型チェック
var _ content.Repository = (*ContentRepository)(nil)

const sourceColumns = `id, workspace_id, user_id, connector_type, external_id, title, content_hash, metadata, created_at, updated_at`

// CreateSourceIfNotExists は同一性キー（workspace_id, connector_type, external_id）で
// 検索し、存在しなければ作成する（冪等）
func (r *ContentRepository) CreateSourceIfNotExists(ctx context.Context, params content.UpsertSourceParams) (*content.Source, error) {
	metadataJSON, err := json.Marshal(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// ON CONFLICT DO NOTHING は競合時に行を返さないため、その場合は再取得する
	row := r.pool.QueryRow(ctx, `
		INSERT INTO sources (workspace_id, user_id, connector_type, external_id, title, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, connector_type, external_id) DO NOTHING
		RETURNING `+sourceColumns,
		UUIDToPgtype(params.WorkspaceID),
		UUIDToPgtype(params.UserID),
		string(params.ConnectorType),
		params.ExternalID,
		params.Title,
		metadataJSON,
	)

	source, err := scanSource(row)
	if err == nil {
		return source, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	row = r.pool.QueryRow(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE workspace_id = $1 AND connector_type = $2 AND external_id = $3`,
		UUIDToPgtype(params.WorkspaceID),
		string(params.ConnectorType),
		params.ExternalID,
	)
	source, err = scanSource(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return source, nil
}

// GetActiveVersion はアクティブな版を返す。存在しない場合は ErrNotFound
func (r *ContentRepository) GetActiveVersion(ctx context.Context, sourceID uuid.UUID) (*content.SourceVersion, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, source_id, version_number, content_hash, is_active, char_count, ingested_at
		FROM source_versions
		WHERE source_id = $1 AND is_active`,
		UUIDToPgtype(sourceID),
	)

	version, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, content.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}
	return version, nil
}

// CreateVersionWithChunks は次の版番号で版とチャンクを書き込み、アクティブフラグを
// 切り替える。すべて単一トランザクション内で行うため、途中で失敗しても旧アクティブ版は
// 維持される。同一ソースへの並行書き込みはアドバイザリロックで直列化する
func (r *ContentRepository) CreateVersionWithChunks(ctx context.Context, sourceID uuid.UUID, contentHash string, charCount int, chunks []content.ChunkPayload) (*content.SourceVersion, error) {
	return transact(ctx, r.pool, func(tx pgx.Tx) (*content.SourceVersion, error) {
		if err := acquireAdvisoryLock(ctx, tx, GenerateLockID("source", sourceID.String())); err != nil {
			return nil, err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE source_versions SET is_active = false
			WHERE source_id = $1 AND is_active`,
			UUIDToPgtype(sourceID),
		); err != nil {
			return nil, fmt.Errorf("failed to deactivate previous version: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO source_versions (source_id, version_number, content_hash, is_active, char_count)
			SELECT $1, COALESCE(MAX(version_number), 0) + 1, $2, true, $3
			FROM source_versions WHERE source_id = $1
			RETURNING id, source_id, version_number, content_hash, is_active, char_count, ingested_at`,
			UUIDToPgtype(sourceID),
			contentHash,
			charCount,
		)
		version, err := scanVersion(row)
		if err != nil {
			return nil, fmt.Errorf("failed to create version: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(`
				INSERT INTO chunks (version_id, seq, content, token_count)
				VALUES ($1, $2, $3, $4)`,
				UUIDToPgtype(version.ID), c.Seq, c.Content, c.TokenCount,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("failed to insert chunks: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE sources SET content_hash = $2, updated_at = now() WHERE id = $1`,
			UUIDToPgtype(sourceID), contentHash,
		); err != nil {
			return nil, fmt.Errorf("failed to update source hash: %w", err)
		}

		return version, nil
	})
}

// ListVersionsBySource は版番号の昇順で全版を返す
func (r *ContentRepository) ListVersionsBySource(ctx context.Context, sourceID uuid.UUID) ([]*content.SourceVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, source_id, version_number, content_hash, is_active, char_count, ingested_at
		FROM source_versions
		WHERE source_id = $1
		ORDER BY version_number`,
		UUIDToPgtype(sourceID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*content.SourceVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// ListChunksByVersion は seq の昇順で版配下のチャンクを返す
func (r *ContentRepository) ListChunksByVersion(ctx context.Context, versionID uuid.UUID) ([]*content.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, version_id, seq, content, token_count, created_at
		FROM chunks
		WHERE version_id = $1
		ORDER BY seq`,
		UUIDToPgtype(versionID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*content.Chunk
	for rows.Next() {
		var (
			chunk            content.Chunk
			id, versionIDCol pgtype.UUID
			createdAt        pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &versionIDCol, &chunk.Seq, &chunk.Content, &chunk.TokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.ID = PgtypeToUUID(id)
		chunk.VersionID = PgtypeToUUID(versionIDCol)
		chunk.CreatedAt = PgtypeToTime(createdAt)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// CountsForScope はスコープに紐づくソース数とアクティブ版チャンク数を集計する
func (r *ContentRepository) CountsForScope(ctx context.Context, scopeID uuid.UUID) (content.ScopeCounts, error) {
	var counts content.ScopeCounts

	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sources WHERE metadata->>$1 = $2`,
		content.MetadataScopeKey, scopeID.String(),
	).Scan(&counts.Sources)
	if err != nil {
		return counts, fmt.Errorf("failed to count sources: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(c.id)
		FROM chunks c
		JOIN source_versions v ON v.id = c.version_id AND v.is_active
		JOIN sources s ON s.id = v.source_id
		WHERE s.metadata->>$1 = $2`,
		content.MetadataScopeKey, scopeID.String(),
	).Scan(&counts.Chunks)
	if err != nil {
		return counts, fmt.Errorf("failed to count chunks: %w", err)
	}

	return counts, nil
}

func scanSource(row pgx.Row) (*content.Source, error) {
	var (
		source                  content.Source
		id, workspaceID, userID pgtype.UUID
		connectorType           string
		metadataJSON            []byte
		createdAt, updatedAt    pgtype.Timestamptz
	)
	err := row.Scan(&id, &workspaceID, &userID, &connectorType, &source.ExternalID,
		&source.Title, &source.ContentHash, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(metadataJSON, &source.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	source.ID = PgtypeToUUID(id)
	source.WorkspaceID = PgtypeToUUID(workspaceID)
	source.UserID = PgtypeToUUID(userID)
	source.ConnectorType = content.ConnectorType(connectorType)
	source.CreatedAt = PgtypeToTime(createdAt)
	source.UpdatedAt = PgtypeToTime(updatedAt)
	return &source, nil
}

func scanVersion(row pgx.Row) (*content.SourceVersion, error) {
	var (
		version      content.SourceVersion
		id, sourceID pgtype.UUID
		ingestedAt   pgtype.Timestamptz
	)
	err := row.Scan(&id, &sourceID, &version.VersionNumber, &version.ContentHash,
		&version.IsActive, &version.CharCount, &ingestedAt)
	if err != nil {
		return nil, err
	}

	version.ID = PgtypeToUUID(id)
	version.SourceID = PgtypeToUUID(sourceID)
	version.IngestedAt = PgtypeToTime(ingestedAt)
	return &version, nil
}
