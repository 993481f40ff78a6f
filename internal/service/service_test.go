package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"chatapp/internal/config"
	"chatapp/internal/db"
	"chatapp/internal/signal"

	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=chatapp port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return gdb
}

func setupHub(t *testing.T) *signal.Hub {
	t.Helper()
	h := signal.NewHub(0)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func testConfig() config.Config {
	return config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
}

// uniq 生成每次运行都不同的用户名，避免与历史测试数据冲突。
func uniq(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func registerUser(t *testing.T, svc *UserService, prefix string) *UserDTO {
	t.Helper()
	u, err := svc.Register(uniq(prefix), "password")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return u
}

func TestUserService_AvatarAndSidebarList(t *testing.T) {
	gdb := setupDB(t)
	svc := NewUserService(gdb, testConfig())

	alice := registerUser(t, svc, "alice")
	bob := registerUser(t, svc, "bob")

	updated, err := svc.UpdateAvatar(bob.ID, "https://cdn.example.com/bob.png")
	if err != nil {
		t.Fatalf("UpdateAvatar() error = %v", err)
	}
	if updated.AvatarURL != "https://cdn.example.com/bob.png" {
		t.Errorf("UpdateAvatar() AvatarURL = %q", updated.AvatarURL)
	}

	// 侧栏列表不含自己，且带上头像地址
	users, err := svc.List(alice.ID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var sawBob bool
	for _, u := range users {
		if u.ID == alice.ID {
			t.Errorf("List(%d) contains the excluded user", alice.ID)
		}
		if u.ID == bob.ID {
			sawBob = true
			if u.AvatarURL != "https://cdn.example.com/bob.png" {
				t.Errorf("List() bob AvatarURL = %q", u.AvatarURL)
			}
		}
	}
	if !sawBob {
		t.Errorf("List(%d) missing user %d", alice.ID, bob.ID)
	}
}

func TestUserService_LoginReturnsProfile(t *testing.T) {
	gdb := setupDB(t)
	svc := NewUserService(gdb, testConfig())

	u := registerUser(t, svc, "carol")
	if _, err := svc.UpdateAvatar(u.ID, "https://cdn.example.com/carol.png"); err != nil {
		t.Fatalf("UpdateAvatar() error = %v", err)
	}

	result, err := svc.Login(u.Username, "password")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Error("Login() returned empty token pair")
	}
	if result.User.ID != u.ID || result.User.AvatarURL != "https://cdn.example.com/carol.png" {
		t.Errorf("Login() User = %+v, want id %d with avatar", result.User, u.ID)
	}
}

func TestGroupService_LeaveTransfersOwnership(t *testing.T) {
	gdb := setupDB(t)
	hub := setupHub(t)
	users := NewUserService(gdb, testConfig())
	groups := NewGroupService(gdb, hub)

	owner := registerUser(t, users, "owner")
	member := registerUser(t, users, "member")

	g, err := groups.Create(uniq("team"), owner.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := groups.AddMember(g.ID, owner.ID, member.ID); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	// 群主退出，群转给最早入群的剩余成员
	res, err := groups.Leave(g.ID, owner.ID)
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if res.Deleted || res.NewOwner != member.ID {
		t.Errorf("Leave() = %+v, want ownership transferred to %d", res, member.ID)
	}
	detail, err := groups.Details(g.ID)
	if err != nil {
		t.Fatalf("Details() error = %v", err)
	}
	if detail.OwnerID != member.ID || len(detail.Members) != 1 {
		t.Errorf("Details() = %+v, want owner %d with 1 member", detail, member.ID)
	}

	// 最后一人退出，群解散
	res, err = groups.Leave(g.ID, member.ID)
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if !res.Deleted {
		t.Errorf("Leave() = %+v, want group deleted", res)
	}
	if _, err := groups.Details(g.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Details() after delete error = %v, want ErrGroupNotFound", err)
	}
}

func TestGroupService_LeaveRequiresMembership(t *testing.T) {
	gdb := setupDB(t)
	hub := setupHub(t)
	users := NewUserService(gdb, testConfig())
	groups := NewGroupService(gdb, hub)

	owner := registerUser(t, users, "owner")
	outsider := registerUser(t, users, "outsider")

	g, err := groups.Create(uniq("team"), owner.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := groups.Leave(g.ID, outsider.ID); !errors.Is(err, ErrNotGroupMember) {
		t.Errorf("Leave() error = %v, want ErrNotGroupMember", err)
	}
}

func TestGroupService_Kick(t *testing.T) {
	gdb := setupDB(t)
	hub := setupHub(t)
	users := NewUserService(gdb, testConfig())
	groups := NewGroupService(gdb, hub)

	owner := registerUser(t, users, "owner")
	member := registerUser(t, users, "member")

	g, err := groups.Create(uniq("team"), owner.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := groups.AddMember(g.ID, owner.ID, member.ID); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	if err := groups.Kick(g.ID, member.ID, owner.ID); !errors.Is(err, ErrNotGroupOwner) {
		t.Errorf("Kick() by non-owner error = %v, want ErrNotGroupOwner", err)
	}
	if err := groups.Kick(g.ID, owner.ID, owner.ID); !errors.Is(err, ErrKickSelf) {
		t.Errorf("Kick() self error = %v, want ErrKickSelf", err)
	}

	if err := groups.Kick(g.ID, owner.ID, member.ID); err != nil {
		t.Fatalf("Kick() error = %v", err)
	}
	ok, err := groups.IsMember(g.ID, member.ID)
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if ok {
		t.Error("IsMember() = true after kick")
	}
	// 已不在群里的人不能再踢一次
	if err := groups.Kick(g.ID, owner.ID, member.ID); !errors.Is(err, ErrNotGroupMember) {
		t.Errorf("Kick() repeated error = %v, want ErrNotGroupMember", err)
	}
}

func TestMessageService_UnreadCountsAndMarkRead(t *testing.T) {
	gdb := setupDB(t)
	hub := setupHub(t)
	users := NewUserService(gdb, testConfig())
	msgs := NewMessageService(gdb, hub)

	alice := registerUser(t, users, "alice")
	bob := registerUser(t, users, "bob")

	for i := 0; i < 2; i++ {
		if _, err := msgs.SendDirect(alice.ID, bob.ID, "hi"); err != nil {
			t.Fatalf("SendDirect() error = %v", err)
		}
	}

	counts, err := msgs.UnreadCounts(bob.ID)
	if err != nil {
		t.Fatalf("UnreadCounts() error = %v", err)
	}
	key := fmt.Sprintf("%d", alice.ID)
	if counts[key] != 2 {
		t.Errorf("UnreadCounts()[%s] = %d, want 2", key, counts[key])
	}

	// 拉取历史即视为已读
	if _, err := msgs.ListDirect(bob.ID, alice.ID, 50, 0); err != nil {
		t.Fatalf("ListDirect() error = %v", err)
	}
	counts, err = msgs.UnreadCounts(bob.ID)
	if err != nil {
		t.Fatalf("UnreadCounts() error = %v", err)
	}
	if counts[key] != 0 {
		t.Errorf("UnreadCounts()[%s] after read = %d, want 0", key, counts[key])
	}
}

func TestMessageService_DeleteSenderOnly(t *testing.T) {
	gdb := setupDB(t)
	hub := setupHub(t)
	users := NewUserService(gdb, testConfig())
	msgs := NewMessageService(gdb, hub)

	alice := registerUser(t, users, "alice")
	bob := registerUser(t, users, "bob")

	sent, err := msgs.SendDirect(alice.ID, bob.ID, "delete me")
	if err != nil {
		t.Fatalf("SendDirect() error = %v", err)
	}

	if err := msgs.Delete(sent.ID, bob.ID); !errors.Is(err, ErrNotMessageSender) {
		t.Errorf("Delete() by receiver error = %v, want ErrNotMessageSender", err)
	}
	if err := msgs.Delete(sent.ID, alice.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := msgs.Delete(sent.ID, alice.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Delete() repeated error = %v, want ErrMessageNotFound", err)
	}

	history, err := msgs.ListDirect(alice.ID, bob.ID, 50, 0)
	if err != nil {
		t.Fatalf("ListDirect() error = %v", err)
	}
	for _, m := range history {
		if m.ID == sent.ID {
			t.Errorf("deleted message %d still in history", sent.ID)
		}
	}
}
