package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

const (
	edmInt64     = "Edm.Int64"
	usersPartKey = "users"
)

// tableClient is the subset of *aztables.Client used by the table backends.
type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// TableNames names the Azure tables backing a board.
type TableNames struct {
	Tasks   string
	Titles  string
	Actions string
	Users   string
}

// Tables bundles the table backed implementations of the storage interfaces.
type Tables struct {
	Tasks   *TableStore
	Actions *TableActionLog
	Users   *TableUsers
}

// OpenTables connects to the storage account and returns the board backends.
func OpenTables(connStr string, names TableNames, boardID string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		Tasks:   NewTableStore(svc.NewClient(names.Tasks), svc.NewClient(names.Titles), boardID),
		Actions: NewTableActionLog(svc.NewClient(names.Actions), boardID),
		Users:   NewTableUsers(svc.NewClient(names.Users)),
	}, nil
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	Priority      string `json:"Priority"`
	AssignedUser  string `json:"AssignedUser"`
	Version       int64  `json:"Version,string"`
	VersionType   string `json:"Version@odata.type"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

func toEntity(board string, t domain.Task) taskEntity {
	return taskEntity{
		PartitionKey:  board,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		AssignedUser:  t.AssignedUser,
		Version:       int64(t.Version),
		VersionType:   edmInt64,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	v := domain.Version(e.Version)
	return domain.Task{
		ID:           e.RowKey,
		Title:        e.Title,
		Description:  e.Description,
		Status:       domain.Status(e.Status),
		Priority:     domain.Priority(e.Priority),
		AssignedUser: e.AssignedUser,
		Version:      v,
		CreatedAt:    time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt:    v.Time(),
	}
}

type titleEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	TaskID        string `json:"TaskID"`
	ClaimedAt     int64  `json:"ClaimedAt,string"`
	ClaimedAtType string `json:"ClaimedAt@odata.type"`
}

// titleClaimGrace bounds how long a task write may trail its title claim. It
// is longer than a write can take under the retry policy in OpenTables. A
// claim whose holder does not show the title is only reclaimed once it is
// older than this.
const titleClaimGrace = 5 * time.Minute

// TableStore persists tasks in Azure Table Storage. Compare-and-swap is done
// with the entity ETag; the title index lives in a second table whose row key
// is the encoded title key, so claiming a title is an insert-if-absent.
type TableStore struct {
	tasks  tableClient
	titles tableClient
	board  string
	now    func() time.Time
}

func NewTableStore(tasks, titles tableClient, boardID string) *TableStore {
	return &TableStore{tasks: tasks, titles: titles, board: boardID, now: time.Now}
}

func (s *TableStore) List(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + s.board + "'"
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.task())
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *TableStore) Get(ctx context.Context, id string) (domain.Task, error) {
	ent, _, err := s.get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return ent.task(), nil
}

func (s *TableStore) get(ctx context.Context, id string) (taskEntity, azcore.ETag, error) {
	resp, err := s.tasks.GetEntity(ctx, s.board, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return taskEntity{}, "", domain.ErrNotFound
		}
		return taskEntity{}, "", err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return taskEntity{}, "", err
	}
	return ent, resp.ETag, nil
}

func (s *TableStore) Insert(ctx context.Context, t domain.Task) error {
	if err := s.claimTitle(ctx, t.ID, t.Title); err != nil {
		return err
	}
	payload, err := json.Marshal(toEntity(s.board, t))
	if err != nil {
		s.releaseTitle(ctx, t.ID, t.Title)
		return err
	}
	if _, err := s.tasks.AddEntity(ctx, payload, nil); err != nil {
		s.releaseTitle(ctx, t.ID, t.Title)
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TableStore) Replace(ctx context.Context, next domain.Task, expected domain.Version) error {
	ent, etag, err := s.get(ctx, next.ID)
	if err != nil {
		return err
	}
	cur := ent.task()
	if cur.Version != expected || next.Version <= cur.Version {
		return &VersionMismatchError{Current: cur}
	}

	titleChanged := domain.TitleKey(cur.Title) != domain.TitleKey(next.Title)
	if titleChanged {
		if err := s.claimTitle(ctx, next.ID, next.Title); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(toEntity(s.board, next))
	if err != nil {
		return err
	}
	_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		if titleChanged {
			s.releaseTitle(ctx, next.ID, next.Title)
		}
		switch statusCode(err) {
		case 404:
			return domain.ErrNotFound
		case 412:
			latest, getErr := s.Get(ctx, next.ID)
			if getErr != nil {
				return getErr
			}
			return &VersionMismatchError{Current: latest}
		}
		return fmt.Errorf("replace task %s: %w", next.ID, err)
	}
	if titleChanged {
		s.releaseTitle(ctx, next.ID, cur.Title)
	}
	return nil
}

func (s *TableStore) Delete(ctx context.Context, id string) (domain.Task, error) {
	ent, etag, err := s.get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.DeleteEntity(ctx, s.board, id, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
		switch statusCode(err) {
		case 404:
			return domain.Task{}, domain.ErrNotFound
		case 412:
			// Changed between read and delete; the delete still wins.
			if _, err := s.tasks.DeleteEntity(ctx, s.board, id, nil); err != nil && statusCode(err) != 404 {
				return domain.Task{}, err
			}
		default:
			return domain.Task{}, err
		}
	}
	t := ent.task()
	s.releaseTitle(ctx, id, t.Title)
	return t, nil
}

// claimTitle inserts the title index row for taskID. The holder of an
// existing row keeps the title while it shows that title, or while its claim
// is younger than titleClaimGrace: its task write may still be in flight. Past
// that the row is left over from a failed write or release and is taken over.
func (s *TableStore) claimTitle(ctx context.Context, taskID, title string) error {
	row := titleEntity{
		PartitionKey:  s.board,
		RowKey:        titleRowKey(title),
		TaskID:        taskID,
		ClaimedAt:     s.now().UnixNano(),
		ClaimedAtType: edmInt64,
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = s.titles.AddEntity(ctx, payload, nil)
	if err == nil {
		return nil
	}
	if statusCode(err) != 409 {
		return fmt.Errorf("claim title: %w", err)
	}

	resp, err := s.titles.GetEntity(ctx, s.board, row.RowKey, nil)
	if err != nil {
		return fmt.Errorf("read title claim: %w", err)
	}
	var existing titleEntity
	if err := json.Unmarshal(resp.Value, &existing); err != nil {
		return err
	}
	if existing.TaskID == taskID {
		return nil
	}
	taken := &TitleTakenError{Title: title, HolderID: existing.TaskID}
	if s.now().Sub(time.Unix(0, existing.ClaimedAt)) < titleClaimGrace {
		return taken
	}
	holder, err := s.Get(ctx, existing.TaskID)
	if err == nil && domain.TitleKey(holder.Title) == domain.TitleKey(title) {
		return taken
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	// Stale claim: swap it only if nobody touched it since we read it.
	etag := resp.ETag
	if _, err := s.titles.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace}); err != nil {
		if statusCode(err) == 412 {
			return taken
		}
		return fmt.Errorf("take over title claim: %w", err)
	}
	return nil
}

// releaseTitle drops the index row if it still points at taskID. Failures are
// ignored: a stale row is reclaimed by claimTitle.
func (s *TableStore) releaseTitle(ctx context.Context, taskID, title string) {
	rk := titleRowKey(title)
	resp, err := s.titles.GetEntity(ctx, s.board, rk, nil)
	if err != nil {
		return
	}
	var existing titleEntity
	if err := json.Unmarshal(resp.Value, &existing); err != nil || existing.TaskID != taskID {
		return
	}
	etag := resp.ETag
	_, _ = s.titles.DeleteEntity(ctx, s.board, rk, &aztables.DeleteEntityOptions{IfMatch: &etag})
}

// titleRowKey encodes the normalised title; raw titles may contain characters
// that are not allowed in row keys.
func titleRowKey(title string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(domain.TitleKey(title)))
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

type actionEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	EntryID      string `json:"EntryID"`
	Actor        string `json:"Actor"`
	Verb         string `json:"Verb"`
	TaskID       string `json:"TaskID"`
	TaskTitle    string `json:"TaskTitle"`
	Detail       string `json:"Detail"`
	Time         int64  `json:"Time,string"`
	TimeType     string `json:"Time@odata.type"`
}

// TableActionLog stores the audit trail with row keys that sort newest first.
type TableActionLog struct {
	table tableClient
	board string
}

func NewTableActionLog(table tableClient, boardID string) *TableActionLog {
	return &TableActionLog{table: table, board: boardID}
}

// actionRowKey inverts the timestamp so lexical order is newest first.
func actionRowKey(ts time.Time, id string) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-ts.UnixNano(), id)
}

func (l *TableActionLog) Append(ctx context.Context, e domain.ActionLogEntry) error {
	ent := actionEntity{
		PartitionKey: l.board,
		RowKey:       actionRowKey(e.Timestamp, e.ID),
		EntryID:      e.ID,
		Actor:        e.Actor,
		Verb:         string(e.Verb),
		TaskID:       e.TaskID,
		TaskTitle:    e.TaskTitle,
		Detail:       e.Detail,
		Time:         e.Timestamp.UnixNano(),
		TimeType:     edmInt64,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = l.table.AddEntity(ctx, payload, nil)
	return err
}

func (l *TableActionLog) Recent(ctx context.Context, limit int) ([]domain.ActionLogEntry, error) {
	filter := "PartitionKey eq '" + l.board + "'"
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := l.table.NewListEntitiesPager(opts)
	out := []domain.ActionLogEntry{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent actionEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, domain.ActionLogEntry{
				ID:        ent.EntryID,
				Actor:     ent.Actor,
				Verb:      domain.Verb(ent.Verb),
				TaskID:    ent.TaskID,
				TaskTitle: ent.TaskTitle,
				Detail:    ent.Detail,
				Timestamp: time.Unix(0, ent.Time).UTC(),
			})
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

type userEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Username     string `json:"Username"`
	Email        string `json:"Email"`
}

// TableUsers reads the user directory maintained by the account service.
type TableUsers struct {
	table tableClient
}

func NewTableUsers(table tableClient) *TableUsers { return &TableUsers{table: table} }

func (u *TableUsers) ListUsers(ctx context.Context) ([]domain.User, error) {
	filter := "PartitionKey eq '" + usersPartKey + "'"
	pager := u.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent userEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			users = append(users, domain.User{ID: ent.RowKey, Username: ent.Username, Email: ent.Email})
		}
	}
	return users, nil
}

func (u *TableUsers) GetUser(ctx context.Context, id string) (domain.User, error) {
	resp, err := u.table.GetEntity(ctx, usersPartKey, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Username: ent.Username, Email: ent.Email}, nil
}

// UpsertUser is used by seeding tools and tests.
func (u *TableUsers) UpsertUser(ctx context.Context, usr domain.User) error {
	payload, err := json.Marshal(userEntity{PartitionKey: usersPartKey, RowKey: usr.ID, Username: usr.Username, Email: usr.Email})
	if err != nil {
		return err
	}
	_, err = u.table.UpsertEntity(ctx, payload, nil)
	return err
}
