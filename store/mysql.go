package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

// Schema:
//
//	CREATE TABLE messages (
//	  id VARCHAR(32) PRIMARY KEY, room_id VARCHAR(160) NOT NULL, sender_id VARCHAR(64) NOT NULL,
//	  recipient_id VARCHAR(64) NOT NULL DEFAULT '', text TEXT NOT NULL, ts BIGINT NOT NULL,
//	  created_at BIGINT NOT NULL DEFAULT 0, mode VARCHAR(8) NOT NULL, real_sender_name VARCHAR(64) NOT NULL DEFAULT '',
//	  KEY idx_room_ts (room_id, ts)
//	);
//	CREATE TABLE users (
//	  id VARCHAR(64) PRIMARY KEY, name VARCHAR(64) NOT NULL, gender VARCHAR(8) NOT NULL, role VARCHAR(8) NOT NULL,
//	  avatar_url VARCHAR(512) NOT NULL, is_online TINYINT NOT NULL DEFAULT 0, last_seen BIGINT NOT NULL DEFAULT 0,
//	  KEY idx_online (is_online)
//	);
const (
	insertMessageSQL = "INSERT INTO messages (id,room_id,sender_id,recipient_id,text,ts,created_at,mode,real_sender_name) " +
		"VALUES (?,?,?,?,?,?,?,?,?)"
	getMessageSQL = "SELECT id,room_id,sender_id,recipient_id,text,ts,created_at,mode,real_sender_name " +
		"FROM messages WHERE id=?"
	queryRoomSQL = "SELECT id,room_id,sender_id,recipient_id,text,ts,created_at,mode,real_sender_name " +
		"FROM messages WHERE room_id=? ORDER BY ts DESC, id DESC"
	queryRoomLimitSQL = queryRoomSQL + " LIMIT ?"
)

const (
	upsertUserSQL = "INSERT INTO users (id,name,gender,role,avatar_url,is_online,last_seen) VALUES (?,?,?,?,?,?,?) " +
		"ON DUPLICATE KEY UPDATE name=VALUES(name),gender=VALUES(gender),role=VALUES(role)," +
		"avatar_url=VALUES(avatar_url),is_online=VALUES(is_online),last_seen=VALUES(last_seen)"
	getUserSQL     = "SELECT id,name,gender,role,avatar_url,is_online FROM users WHERE id=?"
	setOnlineSQL   = "UPDATE users SET is_online=?, last_seen=? WHERE id=?"
	onlineUsersSQL = "SELECT id,name,gender,role,avatar_url,is_online FROM users WHERE is_online=1 ORDER BY name, id"
)

// mysqlStore implements IStore on MySQL.
type mysqlStore struct {
	*sql.DB
}

func NewMysqlStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var mode string
	if err := row.Scan(&m.Id, &m.RoomId, &m.SenderId, &m.RecipientId, &m.Text, &m.Timestamp,
		&m.CreatedAt, &mode, &m.RealSenderName); err != nil {
		return nil, err
	}
	m.Mode = ChatMode(mode)
	return &m, nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var gender, role string
	if err := row.Scan(&u.Id, &u.Name, &gender, &role, &u.AvatarUrl, &u.IsOnline); err != nil {
		return nil, err
	}
	u.Gender = Gender(gender)
	u.Role = Role(role)
	return &u, nil
}

func (s *mysqlStore) Save(ctx context.Context, m *Message) (*Message, error) {
	m = copyMessage(m)
	Prepare(m, time.Now())

	out := m
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertMessageSQL, m.Id, m.RoomId, m.SenderId, m.RecipientId, m.Text,
			m.Timestamp, m.CreatedAt, string(m.Mode), m.RealSenderName); err != nil {
			if !s.IsDupKeyError(err) {
				glog.Errorf("insert message exec err: %v", err)
				return err
			}
			// A redelivered message: accept it when it is the same one.
			old, err2 := scanMessage(tx.QueryRowContext(ctx, getMessageSQL, m.Id))
			if err2 != nil {
				glog.Errorf("get message error, id: %s, err: %v", m.Id, err2)
				return err
			}
			if !old.sameContent(m) {
				return ErrDuplicateId
			}
			out = old
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mysqlStore) Query(ctx context.Context, roomId string, limit int) ([]*Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.QueryContext(ctx, queryRoomLimitSQL, roomId, limit)
	} else {
		rows, err = s.QueryContext(ctx, queryRoomSQL, roomId)
	}
	if err != nil {
		glog.Errorf("query room err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var slice []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("query room scan err: %v", err)
			return nil, err
		}
		slice = append(slice, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortMessages(slice)
	return slice, nil
}

func (s *mysqlStore) PutUser(ctx context.Context, u *User) error {
	_, err := s.ExecContext(ctx, upsertUserSQL, u.Id, u.Name, string(u.Gender), string(u.Role), u.AvatarUrl,
		u.IsOnline, time.Now().UnixMilli())
	return err
}

func (s *mysqlStore) GetUser(ctx context.Context, uid string) (*User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, getUserSQL, uid))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *mysqlStore) SetOnline(ctx context.Context, uid string, online bool) error {
	// Affected rows are not checked: last_seen always changes, but unknown uid is not an error here.
	_, err := s.ExecContext(ctx, setOnlineSQL, online, time.Now().UnixMilli(), uid)
	return err
}

func (s *mysqlStore) OnlineUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.QueryContext(ctx, onlineUsersSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			glog.Errorf("online users scan err: %v", err)
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
