package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-sparchat/internal/db"
	"go-sparchat/internal/model"
)

// Room kinds as stored with each message.
const (
	RoomConversation = "conversation"
	RoomCombat       = "combat"
)

// Combat statuses.
const (
	CombatPending = "pending"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id VARCHAR(64) PRIMARY KEY,
            username VARCHAR(64) NOT NULL UNIQUE,
            display_name VARCHAR(128) NOT NULL,
            password TEXT NOT NULL
        )`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
            token VARCHAR(64) PRIMARY KEY,
            user_id VARCHAR(64) NOT NULL,
            expires_at BIGINT NOT NULL
        )`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id VARCHAR(64) PRIMARY KEY,
            user_a VARCHAR(64) NOT NULL,
            user_b VARCHAR(64) NOT NULL,
            updated_at BIGINT NOT NULL,
            UNIQUE (user_a, user_b)
        )`,
	`CREATE TABLE IF NOT EXISTS combats (
            id VARCHAR(64) PRIMARY KEY,
            inviter_id VARCHAR(64) NOT NULL,
            opponent_id VARCHAR(64) NOT NULL,
            location TEXT NOT NULL,
            scheduled_at BIGINT NOT NULL,
            status VARCHAR(16) NOT NULL,
            created_at BIGINT NOT NULL
        )`,
	`CREATE TABLE IF NOT EXISTS messages (
            id VARCHAR(64) PRIMARY KEY,
            room_kind VARCHAR(16) NOT NULL,
            room_id VARCHAR(64) NOT NULL,
            sender_id VARCHAR(64) NOT NULL,
            body TEXT NOT NULL,
            -- unix nanoseconds
            created_at BIGINT NOT NULL
        )`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_kind, room_id, created_at)`,
}

// User is a registered account.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"-"`
}

// Combat is a scheduled sparring match; its id doubles as the invitation id.
type Combat struct {
	ID          string     `json:"id"`
	InviterID   string     `json:"inviter_id"`
	OpponentID  string     `json:"opponent_id"`
	Location    string     `json:"location"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Repository is the dev server's persistence over database/sql.
type Repository struct {
	db  *db.Database
	now func() time.Time
}

// NewRepository migrates the schema and returns the repository.
func NewRepository(ctx context.Context, database *db.Database) (*Repository, error) {
	if err := database.Migrate(ctx, schema); err != nil {
		return nil, err
	}
	return &Repository{db: database, now: time.Now}, nil
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	user.ID = uuid.NewString()
	query := r.db.Rebind("INSERT INTO users (id, username, display_name, password) VALUES (?, ?, ?, ?)")
	if _, err := r.db.Conn.ExecContext(ctx, query, user.ID, user.Username, user.DisplayName, user.Password); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := r.db.Rebind("SELECT id, username, display_name, password FROM users WHERE username = ?")
	err := r.db.Conn.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	query := r.db.Rebind("SELECT id, username, display_name, password FROM users WHERE id = ?")
	err := r.db.Conn.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// SearchUsers matches usernames case-insensitively. Capped at 10 results.
func (r *Repository) SearchUsers(ctx context.Context, query, excludeID string) ([]model.Participant, error) {
	q := r.db.Rebind(`SELECT id, display_name FROM users
		WHERE LOWER(username) LIKE LOWER(?) AND id <> ?
		ORDER BY username LIMIT 10`)
	rows, err := r.db.Conn.QueryContext(ctx, q, "%"+query+"%", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.Participant{}
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.DisplayName); err != nil {
			return nil, err
		}
		users = append(users, p)
	}
	return users, rows.Err()
}

func (r *Repository) SaveRefreshToken(ctx context.Context, token, userID string, expires time.Time) error {
	query := r.db.Rebind("INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)")
	_, err := r.db.Conn.ExecContext(ctx, query, token, userID, expires.UnixMilli())
	return err
}

// ConsumeRefreshToken deletes token and returns its owner if it had not expired.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var userID string
	var expires int64
	query := r.db.Rebind("SELECT user_id, expires_at FROM refresh_tokens WHERE token = ?")
	if err := tx.QueryRowContext(ctx, query, token).Scan(&userID, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind("DELETE FROM refresh_tokens WHERE token = ?"), token); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	if r.now().UnixMilli() > expires {
		return "", ErrNotFound
	}
	return userID, nil
}

// FindOrCreateConversation returns the single conversation of an unordered pair.
func (r *Repository) FindOrCreateConversation(ctx context.Context, userA, userB string) (string, error) {
	if userA > userB {
		userA, userB = userB, userA
	}

	var id string
	query := r.db.Rebind("SELECT id FROM conversations WHERE user_a = ? AND user_b = ?")
	err := r.db.Conn.QueryRowContext(ctx, query, userA, userB).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id = uuid.NewString()
	insert := r.db.Rebind(`INSERT INTO conversations (id, user_a, user_b, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_a, user_b) DO NOTHING`)
	if _, err := r.db.Conn.ExecContext(ctx, insert, id, userA, userB, r.now().UnixMilli()); err != nil {
		return "", err
	}
	// A concurrent insert may have won.
	if err := r.db.Conn.QueryRowContext(ctx, query, userA, userB).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// ListConversations returns userID's conversations, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, userID string, page model.PageRequest) ([]model.Conversation, bool, error) {
	page = page.Normalize()
	query := r.db.Rebind(`
		SELECT c.id, c.updated_at, u.id, u.display_name
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.updated_at DESC
		LIMIT ? OFFSET ?`)
	rows, err := r.db.Conn.QueryContext(ctx, query, userID, userID, userID, page.Limit+1, (page.Page-1)*page.Limit)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var updated int64
		other := &model.Participant{}
		if err := rows.Scan(&c.ID, &updated, &other.ID, &other.DisplayName); err != nil {
			return nil, false, err
		}
		c.UpdatedAt = time.UnixMilli(updated).UTC()
		c.OtherParticipant = other
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(convs) > page.Limit
	if hasMore {
		convs = convs[:page.Limit]
	}
	for i := range convs {
		last, err := r.lastMessage(ctx, convs[i].ID)
		if err != nil {
			return nil, false, err
		}
		convs[i].LastMessage = last
	}
	return convs, hasMore, nil
}

func (r *Repository) lastMessage(ctx context.Context, conversationID string) (*model.MessageSummary, error) {
	query := r.db.Rebind(`SELECT body, sender_id, created_at FROM messages
		WHERE room_kind = ? AND room_id = ? ORDER BY created_at DESC LIMIT 1`)
	var s model.MessageSummary
	var created int64
	err := r.db.Conn.QueryRowContext(ctx, query, RoomConversation, conversationID).Scan(&s.Body, &s.SenderID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	return &s, nil
}

func (r *Repository) CreateCombat(ctx context.Context, c *Combat) (*Combat, error) {
	c.ID = uuid.NewString()
	c.Status = CombatPending
	c.CreatedAt = r.now().UTC()
	var scheduled int64
	if c.ScheduledAt != nil {
		scheduled = c.ScheduledAt.UnixMilli()
	}
	query := r.db.Rebind(`INSERT INTO combats (id, inviter_id, opponent_id, location, scheduled_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.Conn.ExecContext(ctx, query, c.ID, c.InviterID, c.OpponentID, c.Location, scheduled, c.Status, c.CreatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repository) GetCombat(ctx context.Context, id string) (*Combat, error) {
	c := &Combat{}
	var scheduled, created int64
	query := r.db.Rebind(`SELECT id, inviter_id, opponent_id, location, scheduled_at, status, created_at
		FROM combats WHERE id = ?`)
	err := r.db.Conn.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.InviterID, &c.OpponentID, &c.Location, &scheduled, &c.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if scheduled != 0 {
		t := time.UnixMilli(scheduled).UTC()
		c.ScheduledAt = &t
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	return c, nil
}

func (r *Repository) UpdateCombatStatus(ctx context.Context, id, status string) error {
	query := r.db.Rebind("UPDATE combats SET status = ? WHERE id = ?")
	res, err := r.db.Conn.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsParticipant reports whether userID may join the room.
func (r *Repository) IsParticipant(ctx context.Context, kind, roomID, userID string) (bool, error) {
	var query string
	switch kind {
	case RoomConversation:
		query = "SELECT COUNT(*) FROM conversations WHERE id = ? AND (user_a = ? OR user_b = ?)"
	case RoomCombat:
		query = "SELECT COUNT(*) FROM combats WHERE id = ? AND (inviter_id = ? OR opponent_id = ?)"
	default:
		return false, fmt.Errorf("unknown room kind %q", kind)
	}
	var n int
	err := r.db.Conn.QueryRowContext(ctx, r.db.Rebind(query), roomID, userID, userID).Scan(&n)
	return n > 0, err
}

// SaveMessage assigns id and timestamp and persists msg.
func (r *Repository) SaveMessage(ctx context.Context, kind, roomID string, msg *model.Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = r.now().UTC()

	query := r.db.Rebind(`INSERT INTO messages (id, room_kind, room_id, sender_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.Conn.ExecContext(ctx, query, msg.ID, kind, roomID, msg.SenderID, msg.Body, msg.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if kind == RoomConversation {
		touch := r.db.Rebind("UPDATE conversations SET updated_at = ? WHERE id = ?")
		if _, err := r.db.Conn.ExecContext(ctx, touch, msg.CreatedAt.UnixMilli(), roomID); err != nil {
			return err
		}
	}
	return nil
}

// ListMessages returns a page of a room's history, oldest first. Page 1 is the most recent.
func (r *Repository) ListMessages(ctx context.Context, kind, roomID string, page model.PageRequest) ([]model.Message, bool, error) {
	page = page.Normalize()
	query := r.db.Rebind(`
		SELECT m.id, m.sender_id, u.username, m.body, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.room_kind = ? AND m.room_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?`)
	rows, err := r.db.Conn.QueryContext(ctx, query, kind, roomID, page.Limit+1, (page.Page-1)*page.Limit)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &m.Body, &created); err != nil {
			return nil, false, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		if kind == RoomCombat {
			m.CombatID = roomID
		} else {
			m.ConversationID = roomID
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > page.Limit
	if hasMore {
		msgs = msgs[:page.Limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
