package setup

import (
	"fmt"

	"gorm.io/gorm"

	"collab-canvas/internal/domain"
)

// MigrateDB 自动迁移数据库模式。
// 模型上的 size 标签保证索引列长度满足 MySQL utf8mb4 的限制，
// 因此这里可以直接使用 AutoMigrate。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	err := db.AutoMigrate(
		&domain.User{},
		&domain.Room{},
		&domain.CanvasObject{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}
	return nil
}
