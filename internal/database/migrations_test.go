package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsPasswordFlag(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&board.RoomRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	stale := board.RoomRecord{
		RoomKey:             "room-stale",
		Name:                "Stale",
		OwnerID:             "owner-1",
		Password:            "secret",
		IsPasswordProtected: false,
	}
	if err := database.Create(&stale).Error; err != nil {
		testContext.Fatalf("failed to insert room: %v", err)
	}
	orphanFlag := board.RoomRecord{
		RoomKey:             "room-orphan",
		Name:                "Orphan",
		OwnerID:             "owner-1",
		Password:            "",
		IsPasswordProtected: true,
	}
	if err := database.Create(&orphanFlag).Error; err != nil {
		testContext.Fatalf("failed to insert room: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var repaired board.RoomRecord
	if err := database.Where("room_key = ?", "room-stale").Take(&repaired).Error; err != nil {
		testContext.Fatalf("failed to reload room: %v", err)
	}
	if !repaired.IsPasswordProtected {
		testContext.Fatalf("expected protection flag raised for stored secret")
	}
	var repairedOrphan board.RoomRecord
	if err := database.Where("room_key = ?", "room-orphan").Take(&repairedOrphan).Error; err != nil {
		testContext.Fatalf("failed to reload room: %v", err)
	}
	if repairedOrphan.IsPasswordProtected {
		testContext.Fatalf("expected protection flag cleared for empty secret")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPasswordFlag).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteInitialisesSchema(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "boards.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	room := board.RoomRecord{RoomKey: "room-1", Name: "Board", OwnerID: "owner-1"}
	if err := database.Create(&room).Error; err != nil {
		testContext.Fatalf("expected rooms table present: %v", err)
	}
	if err := database.Create(&board.OperationRecord{RoomKey: "room-1", Tool: "line", Payload: "{}"}).Error; err != nil {
		testContext.Fatalf("expected operations table present: %v", err)
	}
	if err := database.Create(&board.ImageRecord{RoomKey: "room-1", Data: "x"}).Error; err != nil {
		testContext.Fatalf("expected images table present: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
