package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/database"
	"github.com/stemsi/examroom/internal/logger"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
	"github.com/stemsi/examroom/internal/service"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "")

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Initialize Service ────────────────────────────────────────────
	authService := service.NewAuthService(cfg, repository.NewAdminRepository(pool))

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Create New Admin User ===")

	// Name
	fmt.Print("Enter Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	// Email
	fmt.Print("Enter Email: ")
	email, _ := reader.ReadString('\n')
	email = strings.TrimSpace(email)
	if email == "" {
		fmt.Println("Error: Email is required")
		return
	}

	// Password
	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		return
	}
	password := string(bytePassword)
	fmt.Println() // Newline after password input
	if len(password) < 6 {
		fmt.Println("Error: Password must be at least 6 characters")
		return
	}

	// Permissions
	all := model.PermissionCodes()
	fmt.Printf("Permissions, comma separated (default all: %s): ", strings.Join(all, ","))
	permInput, _ := reader.ReadString('\n')
	permissions := all
	if permInput = strings.TrimSpace(permInput); permInput != "" {
		permissions = nil
		for _, p := range strings.Split(permInput, ",") {
			p = strings.TrimSpace(p)
			if !slices.Contains(all, p) {
				fmt.Printf("Error: unknown permission %q\n", p)
				return
			}
			permissions = append(permissions, p)
		}
	}

	// ─── Create Admin ──────────────────────────────────────────────────
	admin, err := authService.CreateAdmin(ctx, email, name, password, permissions)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create admin")
	}

	fmt.Printf("\nSuccess! Admin '%s' (%s) created with ID: %d\n", admin.Name, admin.Email, admin.ID)
}
