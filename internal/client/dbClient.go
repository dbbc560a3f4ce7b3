package client

import (
	"log"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func InitSqliteClient(databaseURL string) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(databaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal(err)
	}

	// Connection pool (important for webhooks)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&model.Mod{},
		&model.Bundle{},
		&model.BundleMod{},
		&model.User{},
		&model.Order{},
		&model.OrderItem{},
		&model.Entitlement{},
		&model.Commission{},
		&model.WebhookEvent{},
		&model.OutboxMessage{},
	); err != nil {
		log.Fatal(err)
	}

	return db
}
