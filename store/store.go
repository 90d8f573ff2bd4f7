/*
# 概述

Package store 持久化文档与 chunk 元数据，基于 GORM + SQLite。

向量内容不在这里：嵌入归 vectorstore 管，这里只保存文档实体、
处理状态和 chunk 正文，供摄取流程和引用展示读取。删除文档时
级联删除其全部 chunk。
*/
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/ragflow/types"
)

// DocumentRecord 文档表。
type DocumentRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	Filename       string `gorm:"size:255;index"`
	Content        string
	Metadata       string `gorm:"type:text"` // JSON
	Folder         string `gorm:"size:255;index"`
	Status         string `gorm:"size:16;index"`
	Strategy       string `gorm:"size:16"`
	FileSize       int64
	FileType       string `gorm:"size:32"`
	UploadedAt     time.Time
	LastAccessedAt time.Time
}

func (DocumentRecord) TableName() string { return "documents" }

// ChunkRecord chunk 表。ChunkIndex 在文档内唯一且反映原文顺序。
type ChunkRecord struct {
	ID           string `gorm:"primaryKey;size:96"`
	DocumentID   string `gorm:"size:64;index"`
	ChunkIndex   int
	Content      string
	Metadata     string `gorm:"type:text"` // JSON
	QualityScore *float64
	CreatedAt    time.Time
}

func (ChunkRecord) TableName() string { return "chunks" }

// Config 存储配置。
type Config struct {
	Path string // SQLite 文件路径，":memory:" 用于测试
}

// Repository 文档/chunk 仓库。
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 打开数据库并迁移表结构。
func Open(config Config, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Path == "" {
		config.Path = "ragflow.db"
	}
	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "open database", err)
	}
	if err := db.AutoMigrate(&DocumentRecord{}, &ChunkRecord{}); err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "migrate schema", err)
	}
	return &Repository{
		db:     db,
		logger: logger.With(zap.String("component", "repository")),
	}, nil
}

// Close 关闭底层数据库连接。
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveDocument 写入或覆盖文档。
func (r *Repository) SaveDocument(ctx context.Context, doc *types.Document) error {
	record, err := toDocumentRecord(doc)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "save document", err)
	}
	return nil
}

// GetDocument 按 ID 取文档，同时刷新 last_accessed_at。
func (r *Repository) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	var record DocumentRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrDocumentNotFound, "document "+id+" not found")
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "get document", err)
	}

	now := time.Now()
	_ = r.db.WithContext(ctx).Model(&DocumentRecord{}).
		Where("id = ?", id).Update("last_accessed_at", now).Error
	record.LastAccessedAt = now
	return fromDocumentRecord(&record)
}

// ListFilter 文档列表过滤条件。
type ListFilter struct {
	Folder string
	Status types.ProcessingStatus
	Limit  int
	Offset int
}

// ListDocuments 按过滤条件列出文档，上传时间倒序。
func (r *Repository) ListDocuments(ctx context.Context, filter ListFilter) ([]types.Document, error) {
	q := r.db.WithContext(ctx).Model(&DocumentRecord{}).Order("uploaded_at DESC")
	if filter.Folder != "" {
		q = q.Where("folder = ?", filter.Folder)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var records []DocumentRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "list documents", err)
	}
	out := make([]types.Document, 0, len(records))
	for i := range records {
		doc, err := fromDocumentRecord(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, nil
}

// SaveChunks 覆盖式写入文档的全部 chunk（先清旧后插新，同一事务）。
func (r *Repository) SaveChunks(ctx context.Context, documentID string, chunks []types.Chunk) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&ChunkRecord{}).Error; err != nil {
			return types.WrapError(types.ErrStoreUnavailable, "clear old chunks", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		records := make([]ChunkRecord, 0, len(chunks))
		for i := range chunks {
			record, err := toChunkRecord(&chunks[i])
			if err != nil {
				return err
			}
			records = append(records, *record)
		}
		if err := tx.CreateInBatches(records, 200).Error; err != nil {
			return types.WrapError(types.ErrStoreUnavailable, "insert chunks", err)
		}
		return nil
	})
}

// GetChunks 按 index 升序返回文档的全部 chunk。
func (r *Repository) GetChunks(ctx context.Context, documentID string) ([]types.Chunk, error) {
	var records []ChunkRecord
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&records).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "get chunks", err)
	}
	out := make([]types.Chunk, 0, len(records))
	for i := range records {
		chunk, err := fromChunkRecord(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *chunk)
	}
	return out, nil
}

// UpdateStatus 更新文档处理状态；失败时把错误信息记入元数据。
func (r *Repository) UpdateStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error {
	updates := map[string]any{"status": string(status)}
	if errMsg != "" {
		var record DocumentRecord
		if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err == nil {
			meta := map[string]any{}
			_ = json.Unmarshal([]byte(record.Metadata), &meta)
			meta["error"] = errMsg
			if data, err := json.Marshal(meta); err == nil {
				updates["metadata"] = string(data)
			}
		}
	}
	err := r.db.WithContext(ctx).Model(&DocumentRecord{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "update status", err)
	}
	return nil
}

// DeleteDocument 删除文档及其全部 chunk。
func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&ChunkRecord{}).Error; err != nil {
			return types.WrapError(types.ErrStoreUnavailable, "delete chunks", err)
		}
		if err := tx.Delete(&DocumentRecord{}, "id = ?", id).Error; err != nil {
			return types.WrapError(types.ErrStoreUnavailable, "delete document", err)
		}
		return nil
	})
}

// CountDocuments 按状态计数，status 为空时计全部。
func (r *Repository) CountDocuments(ctx context.Context, status types.ProcessingStatus) (int64, error) {
	q := r.db.WithContext(ctx).Model(&DocumentRecord{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, types.WrapError(types.ErrStoreUnavailable, "count documents", err)
	}
	return count, nil
}

// ---- 转换 ----

func toDocumentRecord(doc *types.Document) (*DocumentRecord, error) {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, types.WrapError(types.ErrInternalError, "marshal document metadata", err)
	}
	return &DocumentRecord{
		ID:             doc.ID,
		Filename:       doc.Filename,
		Content:        doc.Content,
		Metadata:       string(meta),
		Folder:         doc.Folder,
		Status:         string(doc.Status),
		Strategy:       string(doc.Strategy),
		FileSize:       doc.FileSize,
		FileType:       doc.FileType,
		UploadedAt:     doc.UploadedAt,
		LastAccessedAt: doc.LastAccessedAt,
	}, nil
}

func fromDocumentRecord(record *DocumentRecord) (*types.Document, error) {
	var meta map[string]any
	if record.Metadata != "" {
		if err := json.Unmarshal([]byte(record.Metadata), &meta); err != nil {
			return nil, types.WrapError(types.ErrInternalError, "unmarshal document metadata", err)
		}
	}
	return &types.Document{
		ID:             record.ID,
		Filename:       record.Filename,
		Content:        record.Content,
		Metadata:       meta,
		Folder:         record.Folder,
		Status:         types.ProcessingStatus(record.Status),
		Strategy:       types.ChunkStrategy(record.Strategy),
		FileSize:       record.FileSize,
		FileType:       record.FileType,
		UploadedAt:     record.UploadedAt,
		LastAccessedAt: record.LastAccessedAt,
	}, nil
}

func toChunkRecord(chunk *types.Chunk) (*ChunkRecord, error) {
	meta, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return nil, types.WrapError(types.ErrInternalError, "marshal chunk metadata", err)
	}
	return &ChunkRecord{
		ID:           chunk.ID,
		DocumentID:   chunk.DocumentID,
		ChunkIndex:   chunk.Index,
		Content:      chunk.Content,
		Metadata:     string(meta),
		QualityScore: chunk.QualityScore,
		CreatedAt:    chunk.CreatedAt,
	}, nil
}

func fromChunkRecord(record *ChunkRecord) (*types.Chunk, error) {
	var meta map[string]any
	if record.Metadata != "" {
		if err := json.Unmarshal([]byte(record.Metadata), &meta); err != nil {
			return nil, types.WrapError(types.ErrInternalError, "unmarshal chunk metadata", err)
		}
	}
	return &types.Chunk{
		ID:           record.ID,
		DocumentID:   record.DocumentID,
		Index:        record.ChunkIndex,
		Content:      record.Content,
		Metadata:     meta,
		QualityScore: record.QualityScore,
		CreatedAt:    record.CreatedAt,
	}, nil
}
