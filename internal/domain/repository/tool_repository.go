package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"

	"github.com/jackc/pgx/v5/pgconn"
)

type ToolRepository interface {
	CreateTool(ctx context.Context, tool *model.Tool) error
	UpdateTool(ctx context.Context, tool *model.Tool) error
	FindToolByID(ctx context.Context, id string) (*model.Tool, error)
	ListTools(ctx context.Context, ownerID string, toolType model.ToolType, limit, offset int) ([]model.Tool, int, error)
	ArchiveTool(ctx context.Context, id string) error
}

type pgToolRepository struct {
	db *sql.DB
}

func NewPgToolRepository(db *sql.DB) ToolRepository {
	return &pgToolRepository{db: db}
}

func (r *pgToolRepository) CreateTool(ctx context.Context, t *model.Tool) error {
	query := `INSERT INTO tools (id, owner_id, name, slug, type, definition)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, t.ID, t.OwnerID, t.Name, t.Slug, t.Type, t.Definition)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique constraint for slug
			return fmt.Errorf("tool with this slug already exists: %w", common.ErrConflict)
		}
		return fmt.Errorf("pgToolRepository.CreateTool: %w", err)
	}
	return nil
}

func (r *pgToolRepository) UpdateTool(ctx context.Context, t *model.Tool) error {
	query := `UPDATE tools SET
	            name = $1, slug = $2, definition = $3, updated_at = CURRENT_TIMESTAMP
	          WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, t.Name, t.Slug, t.Definition, t.ID)
	if err != nil {
		return fmt.Errorf("pgToolRepository.UpdateTool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *pgToolRepository) FindToolByID(ctx context.Context, id string) (*model.Tool, error) {
	query := `
	    SELECT t.id, t.owner_id, t.name, t.slug, t.type, t.definition, t.is_archived,
	           t.created_at, t.updated_at, u.username as owner_name
	    FROM tools t
	    LEFT JOIN users u ON t.owner_id = u.id
	    WHERE t.id = $1`

	tool := &model.Tool{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&tool.ID, &tool.OwnerID, &tool.Name, &tool.Slug, &tool.Type, &tool.Definition, &tool.IsArchived,
		&tool.CreatedAt, &tool.UpdatedAt, &tool.OwnerName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgToolRepository.FindToolByID: %w", err)
	}
	return tool, nil
}

func (r *pgToolRepository) ListTools(ctx context.Context, ownerID string, toolType model.ToolType, limit, offset int) ([]model.Tool, int, error) {
	var conditions []string
	var args []interface{}
	argID := 1

	conditions = append(conditions, "t.is_archived = FALSE")
	if ownerID != "" {
		conditions = append(conditions, fmt.Sprintf("t.owner_id = $%d", argID))
		args = append(args, ownerID)
		argID++
	}
	if toolType != "" {
		conditions = append(conditions, fmt.Sprintf("t.type = $%d", argID))
		args = append(args, toolType)
		argID++
	}

	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tools t"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgToolRepository.ListTools count: %w", err)
	}

	query := `SELECT t.id, t.owner_id, t.name, t.slug, t.type, t.definition, t.is_archived, t.created_at, t.updated_at
	          FROM tools t` + where +
		fmt.Sprintf(" ORDER BY t.created_at DESC LIMIT $%d OFFSET $%d", argID, argID+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgToolRepository.ListTools query: %w", err)
	}
	defer rows.Close()

	tools := []model.Tool{}
	for rows.Next() {
		var t model.Tool
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Slug, &t.Type, &t.Definition, &t.IsArchived,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgToolRepository.ListTools scan: %w", err)
		}
		tools = append(tools, t)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgToolRepository.ListTools rows.Err: %w", err)
	}
	return tools, total, nil
}

func (r *pgToolRepository) ArchiveTool(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tools SET is_archived = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgToolRepository.ArchiveTool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}
