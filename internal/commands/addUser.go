package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"lichka/internal/auth"
	"lichka/internal/config"
	"lichka/internal/content"
	"lichka/internal/models"
	"lichka/internal/storage"

	"github.com/google/uuid"
)

// AddUser inserts a user into the directory and prints a bearer token
// for them. Writes to the database directly, so the server must not be
// running against the same file.
func AddUser(username string, cfg *config.Config) error {
	if err := content.ValidateUsername(username); err != nil {
		return fmt.Errorf("invalid username: %w", err)
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required to mint a token")
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	existing, err := store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for _, u := range existing {
		if u.UserName == username {
			return fmt.Errorf("user %q already exists", username)
		}
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    username,
		DisplayName: username,
		Presence:    models.Presence{LastSeen: time.Now().Unix()},
	}
	if err := store.UpsertUser(user); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}

	authService, err := auth.NewAuthService(context.Background(), auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return fmt.Errorf("failed to init auth: %w", err)
	}

	token, expiry, err := authService.Mint(user.ID)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}

	fmt.Printf("\nUser created.\n")
	fmt.Printf("Username:  %s\n", user.UserName)
	fmt.Printf("User ID:   %s\n", user.ID)
	fmt.Printf("Token:     %s\n", token)
	fmt.Printf("Expires:   %s\n\n", time.Unix(expiry, 0).Format(time.RFC3339))
	return nil
}
