package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"tandem/api/internal/store"
)

type resetEntry struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// fakeUserStore keeps everything in maps; good enough for exercising the
// signup/signin/reset flows without Postgres.
type fakeUserStore struct {
	users   map[string]store.User
	byEmail map[string]string
	byToken map[string]string
	resets  map[string]resetEntry
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:   map[string]store.User{},
		byEmail: map[string]string{},
		byToken: map[string]string{},
		resets:  map[string]resetEntry{},
	}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if id, ok := f.byEmail[email]; ok {
		return f.users[id], nil
	}
	return store.User{}, errors.New("user not found")
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return store.User{}, errors.New("user not found")
}

func (f *fakeUserStore) CreateUser(_ context.Context, u store.User) error {
	f.users[u.ID] = u
	f.byEmail[u.Email] = u.ID
	if u.VerificationToken != "" {
		f.byToken[u.VerificationToken] = u.ID
	}
	return nil
}

func (f *fakeUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	u, ok := f.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	u.VerificationToken = token
	u.VerificationExpiresAt = &expiresAt
	f.users[userID] = u
	f.byToken[token] = userID
	return nil
}

func (f *fakeUserStore) VerifyUserEmail(_ context.Context, token string) error {
	id, ok := f.byToken[token]
	if !ok {
		return errors.New("invalid token")
	}
	u := f.users[id]
	u.IsEmailVerified = true
	f.users[id] = u
	return nil
}

func (f *fakeUserStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	u, ok := f.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	u.PasswordHash = hash
	f.users[userID] = u
	return nil
}

func (f *fakeUserStore) CreatePasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.resets[token] = resetEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	r, ok := f.resets[token]
	if !ok || r.used || time.Now().After(r.expiresAt) {
		return "", errors.New("invalid or expired token")
	}
	return r.userID, nil
}

func (f *fakeUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	if r, ok := f.resets[token]; ok {
		r.used = true
		f.resets[token] = r
	}
	return nil
}

func signUpAda(t *testing.T, svc *Service) *SignUpResponse {
	t.Helper()
	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ada@example.com",
		Password:    "correct-horse-battery",
		DisplayName: "Ada Lovelace",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	return resp
}

func TestSignUpIssuesVerificationToken(t *testing.T) {
	svc := NewService(newFakeUserStore())

	resp := signUpAda(t, svc)
	if resp.UserID == "" || resp.VerificationToken == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}
	if !resp.RequiresEmailVerify {
		t.Error("new accounts must require verification")
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeUserStore())
	signUpAda(t, svc)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SignUpRequest
	}{
		{"duplicate email", SignUpRequest{Email: "ada@example.com", Password: "correct-horse-battery", DisplayName: "Other Ada"}},
		{"short password", SignUpRequest{Email: "bob@example.com", Password: "short", DisplayName: "Bob"}},
		{"empty request", SignUpRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SignUp(ctx, tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()
	resp := signUpAda(t, svc)
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	t.Run("correct credentials", func(t *testing.T) {
		got, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "correct-horse-battery"})
		if err != nil {
			t.Fatalf("SignIn: %v", err)
		}
		if got.User.Email != "ada@example.com" {
			t.Errorf("email = %q", got.User.Email)
		}
		if got.RequiresVerify {
			t.Error("verified account should not require verification")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "nope"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{Email: "ghost@example.com", Password: "correct-horse-battery"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unverified account flagged", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{Email: "bob@example.com", Password: "also-a-password", DisplayName: "Bob"}); err != nil {
			t.Fatalf("SignUp: %v", err)
		}
		got, err := svc.SignIn(ctx, SignInRequest{Email: "bob@example.com", Password: "also-a-password"})
		if err != nil {
			t.Fatalf("SignIn: %v", err)
		}
		if !got.RequiresVerify {
			t.Error("unverified account should be flagged")
		}
	})
}

func TestVerifyEmail(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)
	ctx := context.Background()
	resp := signUpAda(t, svc)

	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	user, _ := fs.GetUserByID(ctx, resp.UserID)
	if !user.IsEmailVerified {
		t.Error("user should be verified")
	}

	if err := svc.VerifyEmail(ctx, "bogus"); err == nil {
		t.Error("bogus token should fail")
	}
	if err := svc.VerifyEmail(ctx, ""); err == nil {
		t.Error("empty token should fail")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()
	resp := signUpAda(t, svc)
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token")
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "fresh-password-1"}); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "correct-horse-battery"}); err == nil {
		t.Error("old password should stop working")
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "fresh-password-1"}); err != nil {
		t.Errorf("new password should work: %v", err)
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "another-password"}); err == nil {
		t.Error("reset token must be single use")
	}
}

func TestPasswordResetDoesNotProbeAccounts(t *testing.T) {
	svc := NewService(newFakeUserStore())

	token, err := svc.RequestPasswordReset(context.Background(), "ghost@example.com")
	if err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if token != "" {
		t.Error("unknown email must not yield a token")
	}
}

func TestResetPasswordRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())

	err := svc.ResetPassword(context.Background(), ResetPasswordRequest{Token: "whatever", NewPassword: "tiny"})
	if err == nil {
		t.Error("expected error for short password")
	}
}

func TestResendVerification(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()
	resp := signUpAda(t, svc)

	t.Run("rotates token while unverified", func(t *testing.T) {
		token, err := svc.ResendVerification(ctx, "ada@example.com")
		if err != nil {
			t.Fatalf("ResendVerification: %v", err)
		}
		if token == "" || token == resp.VerificationToken {
			t.Fatalf("expected a rotated token, got %q", token)
		}
		if err := svc.VerifyEmail(ctx, token); err != nil {
			t.Errorf("rotated token should verify: %v", err)
		}
	})

	t.Run("silent for verified accounts", func(t *testing.T) {
		token, err := svc.ResendVerification(ctx, "ada@example.com")
		if err != nil {
			t.Fatalf("ResendVerification: %v", err)
		}
		if token != "" {
			t.Error("verified account should not get a token")
		}
	})

	t.Run("silent for unknown email", func(t *testing.T) {
		token, err := svc.ResendVerification(ctx, "ghost@example.com")
		if err != nil {
			t.Fatalf("ResendVerification: %v", err)
		}
		if token != "" {
			t.Error("unknown email should not get a token")
		}
	})
}
