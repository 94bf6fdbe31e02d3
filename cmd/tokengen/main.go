// Command tokengen mints a development bearer token for the control-plane API.
// The secret must match the server's JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC signing secret (defaults to JWT_SECRET)")
	sub := flag.String("sub", "dev-user", "token subject")
	roles := flag.String("roles", "founder", "comma-separated roles claim")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	tokenOut := flag.String("token-out", "", "output path (stdout when empty)")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or JWT_SECRET required")
		os.Exit(2)
	}

	roleList := []string{}
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	if len(roleList) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one role required")
		os.Exit(2)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   *sub,
		"roles": roleList,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Duration(*expSecs) * time.Second).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
	must(err)

	if *tokenOut == "" {
		fmt.Println(token)
		return
	}
	must(os.WriteFile(*tokenOut, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (sub=%s roles=%v)\n", *tokenOut, *sub, roleList)
}
