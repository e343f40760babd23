// Command issue-token signs a student JWT for local testing. In production
// student tokens come from the school's identity service.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/logger"
	"github.com/stemsi/examroom/internal/service"
)

func main() {
	studentID := flag.Int("student", 0, "student ID to embed in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to JWT_EXPIRY_HOURS)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "")

	if *studentID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: issue-token -student <id> [-ttl 2h]")
		os.Exit(2)
	}

	token, err := service.NewAuthService(cfg, nil).IssueStudentToken(*studentID, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	fmt.Println(token)
}
