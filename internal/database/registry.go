package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrCapacityExceeded means a never-seen username was refused because the
	// registry already holds max_users entries.
	ErrCapacityExceeded = errors.New("user capacity exceeded")
	// ErrHasActiveSession means a user delete was refused while a live
	// session exists; the caller must kick first.
	ErrHasActiveSession = errors.New("user has an active session")
	ErrUserNotFound     = errors.New("user not found")
)

// upsertAttempts bounds retries of the admission transaction when sqlite
// reports a locked database under concurrent writers.
const upsertAttempts = 3

type Seen struct {
	IsNew bool
}

// UpsertSeen admits or touches a username. Unknown usernames are admitted
// only while the registry holds fewer than max_users entries; the count
// check and the insert run in one transaction so two concurrent first-time
// signups cannot both pass a stale count.
func UpsertSeen(username string, isAdmin bool) (Seen, error) {
	var seen Seen
	var lastErr error

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		err := DB.Transaction(func(tx *gorm.DB) error {
			now := time.Now().UTC()

			var existing User
			err := tx.Where("username = ?", username).First(&existing).Error
			if err == nil {
				seen.IsNew = false
				return tx.Model(&User{}).Where("username = ?", username).
					Updates(map[string]interface{}{"last_seen": now, "is_admin": isAdmin}).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			maxUsers, err := maxUsersTx(tx)
			if err != nil {
				return err
			}
			var total int64
			if err := tx.Model(&User{}).Count(&total).Error; err != nil {
				return err
			}
			if total >= int64(maxUsers) {
				return ErrCapacityExceeded
			}

			seen.IsNew = true
			return tx.Create(&User{
				Username:  username,
				FirstSeen: now,
				LastSeen:  now,
				IsAdmin:   isAdmin,
			}).Error
		})
		if err == nil {
			return seen, nil
		}
		if errors.Is(err, ErrCapacityExceeded) {
			return Seen{}, err
		}
		lastErr = err
		if !isBusy(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return Seen{}, fmt.Errorf("upsert user %s: %w", username, lastErr)
}

// TouchSeen refreshes last_seen for an already-known username. Unknown
// usernames are a no-op; admission goes through UpsertSeen.
func TouchSeen(username string) error {
	return DB.Model(&User{}).Where("username = ?", username).
		Update("last_seen", time.Now().UTC()).Error
}

// SetActiveSession flips the cached active-session flag. Called only by the
// session manager on Running/Absent transitions; idempotent.
func SetActiveSession(username string, active bool) error {
	return DB.Model(&User{}).Where("username = ?", username).
		Update("active_session", active).Error
}

func GetUser(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("last_seen DESC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// RemoveUser deletes a user record. Refused while the active-session flag is
// set; the caller must kick the session first.
func RemoveUser(username string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.Where("username = ?", username).First(&u).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if u.ActiveSession {
			return ErrHasActiveSession
		}
		return tx.Where("username = ?", username).Delete(&User{}).Error
	})
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func SetBouncerPassword(username, encrypted string) error {
	return DB.Model(&User{}).Where("username = ?", username).
		Update("bouncer_password", encrypted).Error
}

// MaxUsers reads the capacity setting, falling back to the seeded default
// when the row is missing or unparsable.
func MaxUsers() int {
	n, err := maxUsersTx(DB)
	if err != nil {
		return 50
	}
	return n
}

func maxUsersTx(tx *gorm.DB) (int, error) {
	var s Setting
	if err := tx.Where("key = ?", "max_users").First(&s).Error; err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s.Value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid max_users setting %q", s.Value)
	}
	return n, nil
}

// SetMaxUsers validates and persists the capacity setting. Effective for
// subsequent admissions only; already-known users are unaffected.
func SetMaxUsers(n int) error {
	if n < 1 || n > 1000 {
		return fmt.Errorf("maxUsers must be 1-1000, got %d", n)
	}
	return SetSetting("max_users", strconv.Itoa(n))
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
