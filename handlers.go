package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"os"
	"time"

	"splitbill/models"
	"splitbill/pkg/receipt"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

func setupRoutes(r *gin.Engine) {
	r.POST("/register", registerHandler)
	r.POST("/login", loginHandler)
	r.POST("/refresh", refreshHandler)
	r.POST("/revoke_refresh", revokeRefreshHandler)
	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)
	authGroup.POST("/receipts", uploadReceiptHandler)
	authGroup.GET("/receipts", listReceiptsHandler)
	authGroup.GET("/receipts/:id", getReceiptHandler)
	authGroup.GET("/receipts/:id/summary", splitSummaryHandler)
	authGroup.POST("/receipts/:id/items", addItemHandler)
	authGroup.POST("/receipts/:id/people", addPersonHandler)
	authGroup.PATCH("/items/:id", updateItemHandler)
	authGroup.DELETE("/items/:id", deleteItemHandler)
	authGroup.PUT("/items/:id/assign", assignItemHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		role, _ := claims["role"].(string)
		c.Set("username", username)
		if role != "" {
			c.Set("role", role)
		}
		c.Next()
	}
}

func meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	username := usernameVal.(string)
	c.JSON(http.StatusOK, gin.H{"username": username})
}

// getUserFromContext fetches the currently authenticated user using the username set by jwtAuthMiddleware
func getUserFromContext(c *gin.Context) (*models.User, bool) {
	unameVal, _ := c.Get("username")
	if unameVal == nil {
		return nil, false
	}
	uname := unameVal.(string)
	var user models.User
	if err := db.Where("username = ?", uname).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

func isAdmin(c *gin.Context) bool {
	role, _ := c.Get("role")
	return role == "administrator"
}

// receiptForUser loads a receipt by path param and enforces ownership (admins see all).
func receiptForUser(c *gin.Context) (*models.Receipt, bool) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return nil, false
	}
	var rc models.Receipt
	if err := db.First(&rc, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return nil, false
	}
	if !isAdmin(c) && rc.UserID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return &rc, true
}

// itemForUser loads an item by path param and enforces ownership via its receipt.
func itemForUser(c *gin.Context) (*models.Item, *models.Receipt, bool) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return nil, nil, false
	}
	var item models.Item
	if err := db.First(&item, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return nil, nil, false
	}
	var rc models.Receipt
	if err := db.First(&rc, item.ReceiptID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return nil, nil, false
	}
	if !isAdmin(c) && rc.UserID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, nil, false
	}
	return &item, &rc, true
}

func uploadBaseDir() string {
	if v := os.Getenv("UPLOAD_BASE"); v != "" {
		return v
	}
	return "public"
}

// uploadReceiptHandler handles a multipart receipt photo upload: it stores the
// file, runs the OCR pipeline and persists the extracted line items. An OCR
// failure keeps the receipt row (marked failed) so the client can fall back to
// manual entry; zero extracted items is a normal response, not an error.
func uploadReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	if file.Size > 5*1024*1024 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large (max 5MB)"})
		return
	}
	var existing models.Receipt
	if err := db.Where("user_id = ? AND file_name = ?", user.ID, file.Filename).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "receipt already uploaded", "id": existing.ID})
		return
	}
	baseDir := uploadBaseDir()
	relPath := "receipts/" + file.Filename
	fullPath := baseDir + "/" + relPath
	if err := os.MkdirAll(baseDir+"/receipts", 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mkdir failed"})
		return
	}
	if err := c.SaveUploadedFile(file, fullPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}

	rc := models.Receipt{
		UserID:      user.ID,
		FileName:    file.Filename,
		StorePath:   "public/" + relPath,
		ContentType: file.Header.Get("Content-Type"),
	}

	items, err := pipeline.ParseReceipt(fullPath)
	if err != nil {
		// keep the record so the client can review and enter items manually
		rc.Failed = true
		rc.FailedReason = err.Error()
		if dbErr := db.Create(&rc).Error; dbErr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, receipt.ErrOCRFailed) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": receipt.ErrOCRFailed.Error(), "id": rc.ID})
		return
	}
	for i, it := range items {
		rc.Items = append(rc.Items, models.Item{Position: i, Name: it.Name, Price: it.Price})
	}
	if err := db.Create(&rc).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rc.ID, "store_path": rc.StorePath, "items": rc.Items})
}

// listReceiptsHandler lists recent receipts; admin sees all, users their own.
func listReceiptsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var receipts []models.Receipt
	q := db.Model(&models.Receipt{})
	if !isAdmin(c) {
		q = q.Where("user_id = ?", user.ID)
	}
	if err := q.Order("id desc").Limit(100).Find(&receipts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, receipts)
}

func getReceiptHandler(c *gin.Context) {
	rc, ok := receiptForUser(c)
	if !ok {
		return
	}
	if err := db.Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
		Preload("Items.People").Preload("People").First(rc, rc.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, rc)
}

// addItemHandler is the manual-entry fallback: the client adds items the
// extractor missed (or all of them, when OCR produced nothing).
func addItemHandler(c *gin.Context) {
	rc, ok := receiptForUser(c)
	if !ok {
		return
	}
	var req struct {
		Name  string  `json:"name" binding:"required"`
		Price float64 `json:"price" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Name) < 2 || req.Price <= 0 || req.Price >= receipt.MaxItemPrice {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item name or price"})
		return
	}
	var cnt int64
	db.Model(&models.Item{}).Where("receipt_id = ?", rc.ID).Count(&cnt)
	item := models.Item{ReceiptID: rc.ID, Position: int(cnt), Name: req.Name, Price: req.Price}
	if err := db.Create(&item).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func updateItemHandler(c *gin.Context) {
	item, _, ok := itemForUser(c)
	if !ok {
		return
	}
	var req struct {
		Name  *string  `json:"name"`
		Price *float64 `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != nil {
		if len(*req.Name) < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name too short"})
			return
		}
		item.Name = *req.Name
	}
	if req.Price != nil {
		if *req.Price <= 0 || *req.Price >= receipt.MaxItemPrice {
			c.JSON(http.StatusBadRequest, gin.H{"error": "price out of range"})
			return
		}
		item.Price = *req.Price
	}
	if err := db.Save(item).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func deleteItemHandler(c *gin.Context) {
	item, _, ok := itemForUser(c)
	if !ok {
		return
	}
	if err := db.Select("People").Delete(item).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "item deleted"})
}

func addPersonHandler(c *gin.Context) {
	rc, ok := receiptForUser(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	person := models.Person{ReceiptID: rc.ID, Name: req.Name}
	if err := db.Create(&person).Error; err != nil {
		if isUniqueConstraintError(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "person already on this receipt"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusOK, person)
}

// assignItemHandler replaces the set of people sharing an item.
func assignItemHandler(c *gin.Context) {
	item, rc, ok := itemForUser(c)
	if !ok {
		return
	}
	var req struct {
		PersonIDs []uint `json:"person_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var people []models.Person
	if len(req.PersonIDs) > 0 {
		if err := db.Where("receipt_id = ? AND id IN ?", rc.ID, req.PersonIDs).Find(&people).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		if len(people) != len(req.PersonIDs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "person not on this receipt"})
			return
		}
	}
	if err := db.Model(item).Association("People").Replace(people); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assign failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": item.ID, "person_ids": req.PersonIDs})
}

// splitSummaryHandler computes per-person totals: each assigned item's price
// is divided equally among its assignees; unassigned items are reported as a
// separate subtotal so the client can prompt for assignment.
func splitSummaryHandler(c *gin.Context) {
	rc, ok := receiptForUser(c)
	if !ok {
		return
	}
	if err := db.Preload("Items.People").Preload("People").First(rc, rc.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	totals := make(map[uint]float64, len(rc.People))
	var unassigned, grand float64
	for _, it := range rc.Items {
		grand += it.Price
		if len(it.People) == 0 {
			unassigned += it.Price
			continue
		}
		share := it.Price / float64(len(it.People))
		for _, p := range it.People {
			totals[p.ID] += share
		}
	}
	type personTotal struct {
		ID    uint    `json:"id"`
		Name  string  `json:"name"`
		Total float64 `json:"total"`
	}
	out := make([]personTotal, 0, len(rc.People))
	for _, p := range rc.People {
		out = append(out, personTotal{ID: p.ID, Name: p.Name, Total: roundCents(totals[p.ID])})
	}
	c.JSON(http.StatusOK, gin.H{
		"receipt_id": rc.ID,
		"people":     out,
		"unassigned": roundCents(unassigned),
		"total":      roundCents(grand),
	})
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := RegisterUser(req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tokenString, err := signAccessToken(user, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// signAccessToken issues a JWT for the user, resolving the role name from RoleID.
func signAccessToken(user models.User, ttl time.Duration) (string, error) {
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(jwtSecret)
}

// createAndStoreRefreshToken generates a random refresh token, stores its hash with expiry and returns the raw token string
func createAndStoreRefreshToken(userID uint) (string, error) {
	// generate random 32-byte token (hex)
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	// hash for storage
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	rt := models.RefreshToken{UserID: userID, TokenHash: th, ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	if err := db.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

// helper to find refresh token record by raw token string
func findRefreshTokenByRaw(token string) (*models.RefreshToken, error) {
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	var rt models.RefreshToken
	if err := db.Where("token_hash = ?", th).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

// refreshHandler exchanges a refresh token for a new access token and rotates the refresh token
func refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	tokenString, err := signAccessToken(user, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	// rotate refresh token: revoke existing and create new one
	db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout)
func revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}
