// Package database 负责初始化 PostgreSQL 与 Redis 连接。
package database

import (
	"fmt"
	"time"

	"pdf-rag-go/internal/config"
	"pdf-rag-go/pkg/log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitPostgres 初始化 PostgreSQL (pgvector) 连接并配置连接池。
// 启动时数据库不可用是致命错误，由调用方决定退出。
func InitPostgres(cfg config.PostgresConfig) error {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db
	log.Infof("PostgreSQL database connected successfully, pool idle=%d open=%d", cfg.MaxIdleConns, cfg.MaxOpenConns)
	return nil
}

// Close 关闭数据库连接池。
func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
