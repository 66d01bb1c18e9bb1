package main

import (
	"log"
	"os"
	"strings"

	"splitbill/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	// Ensure the roles master table exists first and seed it so users FK can be applied safely.
	if shouldMigrate {
		if err := db.AutoMigrate(&models.Role{}); err != nil {
			log.Printf("migration warning (roles): %v", err)
		}
	}
	// seed master roles immediately
	roles := []models.Role{{Name: "administrator", Description: "full access"}, {Name: "user", Description: "regular user"}}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}

	// Now migrate the rest (users will get FK to roles)
	if shouldMigrate {
		// Migrate models individually so a failure on one doesn't block others
		if err := db.AutoMigrate(&models.User{}); err != nil {
			log.Printf("migration warning (users): %v", err)
		}
		if err := db.AutoMigrate(&models.Receipt{}); err != nil {
			log.Printf("migration warning (receipts): %v", err)
		}
		if err := db.AutoMigrate(&models.Item{}); err != nil {
			log.Printf("migration warning (items): %v", err)
		}
		if err := db.AutoMigrate(&models.Person{}); err != nil {
			log.Printf("migration warning (people): %v", err)
		}
		if err := db.AutoMigrate(&models.RefreshToken{}); err != nil {
			log.Printf("migration warning (refresh_tokens): %v", err)
		}
	}

	seedDB()
}

// seedDB ensures an admin account exists when ADMIN_USERNAME/ADMIN_PASSWORD are set.
func seedDB() {
	adminUser := os.Getenv("ADMIN_USERNAME")
	if adminUser == "" {
		return
	}
	var existing models.User
	if err := db.Where("username = ?", adminUser).First(&existing).Error; err == nil {
		return
	}
	adminPass := os.Getenv("ADMIN_PASSWORD")
	if adminPass == "" {
		log.Printf("ADMIN_USERNAME set but ADMIN_PASSWORD missing; skipping admin seed")
		return
	}
	hpw, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("admin seed bcrypt failed: %v", err)
		return
	}
	var role models.Role
	if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
		log.Printf("admin seed: role lookup failed: %v", err)
		return
	}
	rid := role.ID
	if err := db.Create(&models.User{Username: adminUser, HashedPassword: hpw, RoleID: &rid}).Error; err != nil {
		log.Printf("admin seed failed: %v", err)
	}
}
