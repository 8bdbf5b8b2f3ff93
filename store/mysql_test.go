package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageColumns = []string{"id", "room_id", "sender_id", "recipient_id", "text", "ts", "created_at", "mode",
	"real_sender_name"}

func newMysqlMock(t *testing.T) (*mysqlStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewMysqlStore(db), mock
}

func mysqlTestMessage() *Message {
	return &Message{Id: "01J0000000000000000000000A", SenderId: "bob", RecipientId: "alice", Text: "hi",
		Mode: ModeNormal, Timestamp: 1000, RealSenderName: "Bob"}
}

func expectInsert(mock sqlmock.Sqlmock, m *Message) *sqlmock.ExpectedExec {
	return mock.ExpectExec(insertMessageSQL).WithArgs(m.Id, "alice_bob", m.SenderId, m.RecipientId, m.Text,
		m.Timestamp, m.CreatedAt, string(m.Mode), m.RealSenderName)
}

func TestMysqlSave(t *testing.T) {
	s, mock := newMysqlMock(t)
	m := mysqlTestMessage()

	mock.ExpectBegin()
	expectInsert(mock, m).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := s.Save(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", saved.RoomId)
	assert.Empty(t, m.RoomId, "caller's message is not modified")
}

func TestMysqlSaveRedelivered(t *testing.T) {
	dupKey := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

	t.Run("same message", func(t *testing.T) {
		s, mock := newMysqlMock(t)
		m := mysqlTestMessage()

		mock.ExpectBegin()
		expectInsert(mock, m).WillReturnError(dupKey)
		mock.ExpectQuery(getMessageSQL).WithArgs(m.Id).WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow(m.Id, "alice_bob", "bob", "alice", "hi", int64(1000), int64(0), "NORMAL", "Bob"))
		mock.ExpectCommit()

		saved, err := s.Save(context.Background(), m)
		require.NoError(t, err)
		assert.Equal(t, m.Id, saved.Id)
	})

	t.Run("id taken", func(t *testing.T) {
		s, mock := newMysqlMock(t)
		m := mysqlTestMessage()

		mock.ExpectBegin()
		expectInsert(mock, m).WillReturnError(dupKey)
		mock.ExpectQuery(getMessageSQL).WithArgs(m.Id).WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow(m.Id, "alice_bob", "bob", "alice", "something else", int64(1000), int64(0), "NORMAL", "Bob"))
		mock.ExpectRollback()

		_, err := s.Save(context.Background(), m)
		assert.ErrorIs(t, err, ErrDuplicateId)
	})

	t.Run("other error", func(t *testing.T) {
		s, mock := newMysqlMock(t)
		m := mysqlTestMessage()
		broken := errors.New("server has gone away")

		mock.ExpectBegin()
		expectInsert(mock, m).WillReturnError(broken)
		mock.ExpectRollback()

		_, err := s.Save(context.Background(), m)
		assert.ErrorIs(t, err, broken)
	})
}

func TestMysqlQuery(t *testing.T) {
	s, mock := newMysqlMock(t)

	// newest first, as selected for the limit.
	mock.ExpectQuery(queryRoomLimitSQL).WithArgs("alice_bob", int64(2)).WillReturnRows(sqlmock.NewRows(messageColumns).
		AddRow("m3", "alice_bob", "bob", "alice", "three", int64(3000), int64(0), "NORMAL", "").
		AddRow("m2", "alice_bob", "alice", "bob", "two", int64(2000), int64(0), "NORMAL", ""))

	msgs, err := s.Query(context.Background(), "alice_bob", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)
	assert.Equal(t, ModeNormal, msgs[1].Mode)

	mock.ExpectQuery(queryRoomSQL).WithArgs(WildRoomId).WillReturnError(errors.New("timeout"))
	_, err = s.Query(context.Background(), WildRoomId, 0)
	assert.Error(t, err)
}

func TestMysqlUsers(t *testing.T) {
	ctx := context.Background()
	s, mock := newMysqlMock(t)
	userColumns := []string{"id", "name", "gender", "role", "avatar_url", "is_online"}

	mock.ExpectExec(upsertUserSQL).
		WithArgs("alice", "Alice", "FEMALE", "USER", "a.png", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.PutUser(ctx, &User{Id: "alice", Name: "Alice", Gender: GenderFemale, Role: RoleUser,
		AvatarUrl: "a.png", IsOnline: true}))

	mock.ExpectQuery(getUserSQL).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(userColumns))
	_, err := s.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec(setOnlineSQL).WithArgs(false, sqlmock.AnyArg(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetOnline(ctx, "alice", false))

	mock.ExpectQuery(onlineUsersSQL).WillReturnRows(sqlmock.NewRows(userColumns).
		AddRow("bob", "Bob", "MALE", "ADMIN", "b.png", int64(1)))
	users, err := s.OnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, RoleAdmin, users[0].Role)
	assert.Equal(t, GenderMale, users[0].Gender)
	assert.True(t, users[0].IsOnline)
}
