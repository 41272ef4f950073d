package main

import (
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/coursebridge/assignments-backend/internal/data/db"
)

func main() {
	gdb, err := gorm.Open(sqlite.Open("file:diag?mode=memory&cache=shared"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Info),
	})
	if err != nil {
		fmt.Println("open:", err)
		os.Exit(1)
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		fmt.Println("MIGRATE ERR:", err)
		os.Exit(1)
	}
	fmt.Println("migrate ok")
}
