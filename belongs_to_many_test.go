package norm

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

type BtmUser struct {
	ID        int `norm:"primary"`
	Name      string
	UpdatedAt *time.Time
	Roles     []*BtmRole
}

func (BtmUser) TableName() string { return "btm_users" }
func (BtmUser) Touches() []string { return []string{"Roles"} }

func (BtmUser) RolesRelation() BelongsToMany[BtmRole] {
	return BelongsToMany[BtmRole]{
		PivotTable:      "btm_role_user",
		ForeignKeys:     []string{"user_id"},
		RelatedKeys:     []string{"role_id"},
		PivotColumns:    []string{"is_active"},
		PivotTimestamps: true,
		Inverse:         "Users",
	}
}

type BtmRole struct {
	ID        int `norm:"primary"`
	Name      string
	UpdatedAt *time.Time
	Pivot     map[string]any `norm:"-"`
	Users     []*BtmUser
}

func (BtmRole) TableName() string { return "btm_roles" }
func (BtmRole) Touches() []string { return []string{"Users"} }

func (BtmRole) UsersRelation() BelongsToMany[BtmUser] {
	return BelongsToMany[BtmUser]{
		PivotTable:  "btm_role_user",
		ForeignKeys: []string{"role_id"},
		RelatedKeys: []string{"user_id"},
	}
}

func setupPivotDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE btm_users (id INTEGER PRIMARY KEY, name TEXT, updated_at DATETIME);
		CREATE TABLE btm_roles (id INTEGER PRIMARY KEY, name TEXT, updated_at DATETIME);
		CREATE TABLE btm_role_user (
			user_id INTEGER,
			role_id INTEGER,
			is_active INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		);

		INSERT INTO btm_users (id, name) VALUES (1, 'Alice'), (2, 'Bob'), (3, 'Cara');
		INSERT INTO btm_roles (id, name) VALUES (1, 'admin'), (2, 'editor'), (3, 'viewer');
		INSERT INTO btm_role_user (user_id, role_id, is_active, created_at, updated_at) VALUES
			(1, 1, 1, '2024-01-01 00:00:00', '2024-01-01 00:00:00'),
			(1, 2, 0, '2024-01-01 00:00:00', '2024-01-01 00:00:00'),
			(2, 1, 1, '2024-01-01 00:00:00', '2024-01-01 00:00:00');
	`)
	if err != nil {
		t.Fatalf("failed to setup DB: %v", err)
	}
	return db
}

func pivotCount(t *testing.T, db *sql.DB, where string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM btm_role_user WHERE "+where, args...).Scan(&n); err != nil {
		t.Fatalf("pivot count failed: %v", err)
	}
	return n
}

func TestBelongsToMany_EagerLoad(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	users, err := New[BtmUser]().With("Roles").OrderBy("id", "ASC").Get(ctx)
	if err != nil {
		t.Fatalf("failed to get users: %v", err)
	}

	if len(users[0].Roles) != 2 {
		t.Errorf("expected Alice to have 2 roles, got %d", len(users[0].Roles))
	}
	if len(users[1].Roles) != 1 {
		t.Errorf("expected Bob to have 1 role, got %d", len(users[1].Roles))
	}
	if users[2].Roles == nil || len(users[2].Roles) != 0 {
		t.Errorf("expected Cara to have an empty role slice, got %v", users[2].Roles)
	}
}

func TestBelongsToMany_PivotHydration(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	users, err := New[BtmUser]().With("Roles").OrderBy("id", "ASC").Get(ctx)
	if err != nil {
		t.Fatalf("failed to get users: %v", err)
	}

	for _, role := range users[0].Roles {
		if role.Pivot == nil {
			t.Fatalf("role %d: pivot data not hydrated", role.ID)
		}
		want := int64(1)
		if role.ID == 2 {
			want = 0
		}
		if got := role.Pivot["is_active"]; got != want {
			t.Errorf("role %d: expected is_active %d, got %v", role.ID, want, got)
		}
	}

	// The same role joins Alice and Bob with separate pivot payloads, so the
	// hydrated structs must not be shared.
	var aliceAdmin, bobAdmin *BtmRole
	for _, r := range users[0].Roles {
		if r.ID == 1 {
			aliceAdmin = r
		}
	}
	for _, r := range users[1].Roles {
		if r.ID == 1 {
			bobAdmin = r
		}
	}
	if aliceAdmin == nil || bobAdmin == nil {
		t.Fatal("admin role not loaded for both users")
	}
	if aliceAdmin == bobAdmin {
		t.Error("expected per-parent role copies when pivot data is present")
	}
}

func TestBelongsToMany_Attach(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	cara := &BtmUser{ID: 3}

	err := m.Attach(ctx, cara, "Roles", []any{1, 2}, map[any]map[string]any{
		2: {"is_active": 1},
	})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	if n := pivotCount(t, db, "user_id = 3"); n != 2 {
		t.Errorf("expected 2 pivot rows, got %d", n)
	}
	if n := pivotCount(t, db, "user_id = 3 AND role_id = 2 AND is_active = 1"); n != 1 {
		t.Errorf("pivot data not written, got %d matching rows", n)
	}
	if n := pivotCount(t, db, "user_id = 3 AND created_at IS NOT NULL AND updated_at IS NOT NULL"); n != 2 {
		t.Errorf("pivot timestamps not stamped, got %d rows", n)
	}
}

func TestBelongsToMany_AttachEntities(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	cara := &BtmUser{ID: 3}
	viewer := &BtmRole{ID: 3}

	if err := m.Attach(ctx, cara, "Roles", []any{viewer}, nil); err != nil {
		t.Fatalf("attach by entity failed: %v", err)
	}
	if n := pivotCount(t, db, "user_id = 3 AND role_id = 3"); n != 1 {
		t.Errorf("expected 1 pivot row, got %d", n)
	}
}

func TestBelongsToMany_AttachEmptyStillTouches(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	if err := m.Attach(ctx, alice, "Roles", nil, nil); err != nil {
		t.Fatalf("empty attach failed: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM btm_users WHERE id = 1 AND updated_at IS NOT NULL").Scan(&n); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if n != 1 {
		t.Error("expected Alice's updated_at to be bumped by an empty attach")
	}
	// No rows were inserted.
	if got := pivotCount(t, db, "user_id = 1"); got != 2 {
		t.Errorf("expected pivot rows unchanged, got %d", got)
	}
}

func TestBelongsToMany_InverseTouch(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	if err := m.Attach(ctx, alice, "Roles", []any{3}, nil); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	// The relation names "Users" as its inverse and BtmRole touches it, so
	// every currently attached role gets its updated_at bumped.
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM btm_roles WHERE updated_at IS NOT NULL").Scan(&n); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 touched roles, got %d", n)
	}
}

func TestBelongsToMany_Detach(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	if err := m.Detach(ctx, alice, "Roles", 2); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if n := pivotCount(t, db, "user_id = 1"); n != 1 {
		t.Errorf("expected 1 remaining pivot row, got %d", n)
	}
	// Other users' rows are untouched.
	if n := pivotCount(t, db, "user_id = 2"); n != 1 {
		t.Errorf("expected Bob's pivot row to survive, got %d", n)
	}
}

func TestBelongsToMany_DetachAll(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	if err := m.Detach(ctx, alice, "Roles"); err != nil {
		t.Fatalf("detach all failed: %v", err)
	}
	if n := pivotCount(t, db, "user_id = 1"); n != 0 {
		t.Errorf("expected all of Alice's pivot rows gone, got %d", n)
	}
}

func TestBelongsToMany_Sync(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1} // currently attached: 1, 2

	result, err := m.Sync(ctx, alice, "Roles", []any{2, 3}, map[any]map[string]any{
		2: {"is_active": 1}, // stored value is 0, so this counts as updated
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if len(result.Attached) != 1 || result.Attached[0] != int64(3) {
		t.Errorf("unexpected attached: %v", result.Attached)
	}
	if len(result.Detached) != 1 || result.Detached[0] != int64(1) {
		t.Errorf("unexpected detached: %v", result.Detached)
	}
	if len(result.Updated) != 1 || result.Updated[0] != int64(2) {
		t.Errorf("unexpected updated: %v", result.Updated)
	}

	if n := pivotCount(t, db, "user_id = 1"); n != 2 {
		t.Errorf("expected 2 pivot rows after sync, got %d", n)
	}
	if n := pivotCount(t, db, "user_id = 1 AND role_id = 2 AND is_active = 1"); n != 1 {
		t.Errorf("pivot update not applied, got %d rows", n)
	}
}

func TestBelongsToMany_SyncIdenticalUpdateNotReported(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	result, err := m.Sync(ctx, alice, "Roles", []any{1, 2}, map[any]map[string]any{
		1: {"is_active": 1}, // already 1
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Updated) != 0 {
		t.Errorf("identical values should not count as updated: %v", result.Updated)
	}
	if len(result.Attached) != 0 || len(result.Detached) != 0 {
		t.Errorf("expected no membership changes: %+v", result)
	}
}

func TestBelongsToMany_SyncEmptyDetachesAll(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	result, err := m.Sync(ctx, alice, "Roles", nil, nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Detached) != 2 {
		t.Errorf("expected 2 detached, got %v", result.Detached)
	}
	if n := pivotCount(t, db, "user_id = 1"); n != 0 {
		t.Errorf("expected no pivot rows, got %d", n)
	}
}

func TestBelongsToMany_SyncWithoutDetaching(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	result, err := m.SyncWithoutDetaching(ctx, alice, "Roles", []any{3}, nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Attached) != 1 || len(result.Detached) != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if n := pivotCount(t, db, "user_id = 1"); n != 3 {
		t.Errorf("expected 3 pivot rows, got %d", n)
	}
}

func TestBelongsToMany_Toggle(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1} // attached: 1, 2

	result, err := m.Toggle(ctx, alice, "Roles", []any{1, 3})
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	if len(result.Detached) != 1 || result.Detached[0] != int64(1) {
		t.Errorf("unexpected detached: %v", result.Detached)
	}
	if len(result.Attached) != 1 || result.Attached[0] != int64(3) {
		t.Errorf("unexpected attached: %v", result.Attached)
	}

	if n := pivotCount(t, db, "user_id = 1 AND role_id = 1"); n != 0 {
		t.Error("role 1 should have been detached")
	}
	if n := pivotCount(t, db, "user_id = 1 AND role_id = 3"); n != 1 {
		t.Error("role 3 should have been attached")
	}
}

func TestBelongsToMany_UpdateExistingPivot(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()
	alice := &BtmUser{ID: 1}

	changed, err := m.UpdateExistingPivot(ctx, alice, "Roles", 2, map[string]any{"is_active": 1})
	if err != nil {
		t.Fatalf("update pivot failed: %v", err)
	}
	if !changed {
		t.Error("expected change to be reported")
	}
	if n := pivotCount(t, db, "user_id = 1 AND role_id = 2 AND is_active = 1"); n != 1 {
		t.Error("pivot value not updated")
	}

	// Applying the same values again is a no-op.
	changed, err = m.UpdateExistingPivot(ctx, alice, "Roles", 2, map[string]any{"is_active": 1})
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if changed {
		t.Error("identical update should report no change")
	}
}

func TestBelongsToMany_MissingParentKey(t *testing.T) {
	db := setupPivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[BtmUser]()

	if err := m.Attach(ctx, &BtmUser{}, "Roles", []any{1}, nil); err == nil {
		t.Error("expected error attaching with a zero primary key")
	}
}

func TestDefaultPivotKeys(t *testing.T) {
	got := defaultPivotKeys("BtmUser", []string{"id"})
	if len(got) != 1 || got[0] != "btm_user_id" {
		t.Errorf("unexpected default keys: %v", got)
	}

	got = defaultPivotKeys("Order", []string{"region", "seq"})
	if got[0] != "order_region" || got[1] != "order_seq" {
		t.Errorf("unexpected composite defaults: %v", got)
	}
}

type BtmPerson struct {
	ID      int `norm:"primary"`
	Name    string
	Friends []*BtmPerson
	Pivot   map[string]any `norm:"-"`
}

func (BtmPerson) TableName() string { return "btm_people" }

func (BtmPerson) FriendsRelation() BelongsToMany[BtmPerson] {
	return BelongsToMany[BtmPerson]{
		PivotTable:  "btm_friendships",
		ForeignKeys: []string{"person_id"},
		RelatedKeys: []string{"friend_id"},
	}
}

func setupFriendshipDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE btm_people (id INTEGER PRIMARY KEY, name TEXT);
		CREATE TABLE btm_friendships (person_id INTEGER, friend_id INTEGER);

		INSERT INTO btm_people (id, name) VALUES (1, 'Ada'), (2, 'Ben'), (3, 'Cleo');
		INSERT INTO btm_friendships (person_id, friend_id) VALUES (1, 2);
	`)
	if err != nil {
		t.Fatalf("failed to setup DB: %v", err)
	}
	return db
}

func TestBelongsToMany_SelfReferentialEagerLoad(t *testing.T) {
	db := setupFriendshipDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	people, err := New[BtmPerson]().With("Friends").OrderBy("id", "ASC").Get(ctx)
	if err != nil {
		t.Fatalf("eager load failed: %v", err)
	}
	if len(people) != 3 {
		t.Fatalf("expected 3 people, got %d", len(people))
	}

	if len(people[0].Friends) != 1 || people[0].Friends[0].ID != 2 {
		t.Errorf("expected Ada's friends to be [2], got %+v", people[0].Friends)
	}
	if len(people[1].Friends) != 0 {
		t.Errorf("friendship is directional, Ben should have none, got %d", len(people[1].Friends))
	}
}

func TestBelongsToMany_SelfReferentialHas(t *testing.T) {
	db := setupFriendshipDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	people, err := New[BtmPerson]().Has("Friends").Get(ctx)
	if err != nil {
		t.Fatalf("has failed: %v", err)
	}
	if len(people) != 1 || people[0].ID != 1 {
		ids := make([]int, len(people))
		for i, p := range people {
			ids[i] = p.ID
		}
		t.Errorf("expected exactly person 1, got ids %v", ids)
	}

	loners, err := New[BtmPerson]().DoesntHave("Friends").OrderBy("id", "ASC").Get(ctx)
	if err != nil {
		t.Fatalf("doesnt have failed: %v", err)
	}
	if len(loners) != 2 || loners[0].ID != 2 || loners[1].ID != 3 {
		t.Errorf("expected people 2 and 3, got %+v", loners)
	}
}

type CpOrder struct {
	TenantID int `norm:"column:tenant_id;primary"`
	OrderNo  int `norm:"column:order_no;primary"`
	Items    []*CpItem
}

func (CpOrder) TableName() string { return "cp_orders" }

func (CpOrder) ItemsRelation() BelongsToMany[CpItem] {
	return BelongsToMany[CpItem]{
		PivotTable:   "cp_order_items",
		ForeignKeys:  []string{"order_tenant_id", "order_no"},
		RelatedKeys:  []string{"item_tenant_id", "item_sku"},
		PivotColumns: []string{"qty"},
	}
}

type CpItem struct {
	TenantID int    `norm:"column:tenant_id;primary"`
	SKU      string `norm:"column:sku;primary"`
	Label    string
	Pivot    map[string]any `norm:"-"`
}

func (CpItem) TableName() string { return "cp_items" }

func setupCompositePivotDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE cp_orders (tenant_id INTEGER, order_no INTEGER, PRIMARY KEY (tenant_id, order_no));
		CREATE TABLE cp_items (tenant_id INTEGER, sku TEXT, label TEXT, PRIMARY KEY (tenant_id, sku));
		CREATE TABLE cp_order_items (
			order_tenant_id INTEGER,
			order_no INTEGER,
			item_tenant_id INTEGER,
			item_sku TEXT,
			qty INTEGER
		);

		INSERT INTO cp_orders (tenant_id, order_no) VALUES (1, 100);
		INSERT INTO cp_items (tenant_id, sku, label) VALUES
			(1, 'A', 'bolt'), (1, 'B', 'nut'), (2, 'A', 'other tenant bolt');
	`)
	if err != nil {
		t.Fatalf("failed to setup DB: %v", err)
	}
	return db
}

func TestBelongsToMany_CompositeKeysRoundTrip(t *testing.T) {
	db := setupCompositePivotDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	m := New[CpOrder]()
	order := &CpOrder{TenantID: 1, OrderNo: 100}

	ids := []any{KeyTuple{1, "A"}, KeyTuple{1, "B"}}
	if err := m.Attach(ctx, order, "Items", ids, nil); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM cp_order_items WHERE order_tenant_id = 1 AND order_no = 100").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pivot rows, got %d", n)
	}

	changed, err := m.UpdateExistingPivot(ctx, order, "Items", KeyTuple{1, "A"}, map[string]any{"qty": 5})
	if err != nil {
		t.Fatalf("update pivot failed: %v", err)
	}
	if !changed {
		t.Error("expected pivot update to report a change")
	}

	orders, err := New[CpOrder]().With("Items").Get(ctx)
	if err != nil {
		t.Fatalf("eager load failed: %v", err)
	}
	if len(orders) != 1 || len(orders[0].Items) != 2 {
		t.Fatalf("expected 1 order with 2 items, got %+v", orders)
	}
	var bolt *CpItem
	for _, it := range orders[0].Items {
		if it.SKU == "A" {
			bolt = it
		}
	}
	if bolt == nil || bolt.TenantID != 1 {
		t.Fatalf("tenant 1 bolt not loaded: %+v", orders[0].Items)
	}
	if qty, ok := bolt.Pivot["qty"]; !ok || qty != int64(5) {
		t.Errorf("expected pivot qty 5, got %v", bolt.Pivot)
	}

	res, err := m.Sync(ctx, order, "Items", []any{KeyTuple{1, "B"}}, nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(res.Attached) != 0 || len(res.Detached) != 1 {
		t.Fatalf("unexpected sync report: %+v", res)
	}
	detached, ok := res.Detached[0].(KeyTuple)
	if !ok || len(detached) != 2 {
		t.Errorf("composite detach should report a 2-value key tuple, got %#v", res.Detached[0])
	}
	if n := rawCount(t, db, "SELECT COUNT(*) FROM cp_order_items"); n != 1 {
		t.Errorf("expected only the B row to remain, got %d", n)
	}
	if n := rawCount(t, db, "SELECT COUNT(*) FROM cp_order_items WHERE item_sku = 'B'"); n != 1 {
		t.Errorf("expected the B row to survive the sync, got %d", n)
	}
}

func rawCount(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}
