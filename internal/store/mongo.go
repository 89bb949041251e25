package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore keeps ObjectIDs in _id and canonical strings everywhere
// else. Conversion happens only in this file.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes is the Mongo counterpart of ApplyMigrations.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		"users": {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"projects": {
			{Keys: bson.D{{Key: "created_by", Value: 1}}},
			{Keys: bson.D{{Key: "members", Value: 1}}},
		},
		"tasks": {
			{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		"chat_messages": {
			{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "message", Value: "text"}}},
		},
		"notifications": {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes for %s: %w", name, err)
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) users() *mongo.Collection         { return s.db.Collection("users") }
func (s *MongoStore) projects() *mongo.Collection      { return s.db.Collection("projects") }
func (s *MongoStore) tasks() *mongo.Collection         { return s.db.Collection("tasks") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("chat_messages") }
func (s *MongoStore) notifications() *mongo.Collection { return s.db.Collection("notifications") }

// --- documents ---

type userDoc struct {
	ID           bson.ObjectID `bson:"_id"`
	Username     string        `bson:"username"`
	Email        string        `bson:"email"`
	PasswordHash string        `bson:"password_hash"`
	CreatedAt    time.Time     `bson:"created_at"`
}

func (d userDoc) record() User {
	return User{ID: d.ID.Hex(), Username: d.Username, Email: d.Email, PasswordHash: d.PasswordHash, CreatedAt: d.CreatedAt}
}

type projectDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	Name        string        `bson:"project_name"`
	Description string        `bson:"description"`
	CreatedBy   string        `bson:"created_by"`
	Members     []string      `bson:"members"`
	IsDeleted   bool          `bson:"is_deleted"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

func (d projectDoc) record() Project {
	members := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		members = append(members, CanonicalID(m))
	}
	return Project{
		ID:          d.ID.Hex(),
		Name:        d.Name,
		Description: d.Description,
		CreatedBy:   CanonicalID(d.CreatedBy),
		Members:     members,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type taskDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	ProjectID   string        `bson:"project_id"`
	Title       string        `bson:"title"`
	Description string        `bson:"description"`
	Assignee    string        `bson:"assignee"`
	DueDate     *time.Time    `bson:"due_date,omitempty"`
	Status      string        `bson:"status"`
	CreatedBy   string        `bson:"created_by"`
	IsDeleted   bool          `bson:"is_deleted"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

func (d taskDoc) record() Task {
	return Task{
		ID:          d.ID.Hex(),
		ProjectID:   d.ProjectID,
		Title:       d.Title,
		Description: d.Description,
		Assignee:    d.Assignee,
		DueDate:     d.DueDate,
		Status:      TaskStatus(d.Status),
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type messageDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	ProjectID string        `bson:"project_id"`
	UserID    string        `bson:"user_id"`
	Username  string        `bson:"username"`
	Message   string        `bson:"message"`
	IsEdited  bool          `bson:"is_edited"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

func (d messageDoc) record() ChatMessage {
	return ChatMessage{
		ID:        d.ID.Hex(),
		ProjectID: d.ProjectID,
		UserID:    d.UserID,
		Username:  d.Username,
		Body:      d.Message,
		IsEdited:  d.IsEdited,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type notificationDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	UserID    string        `bson:"user_id"`
	Message   string        `bson:"message"`
	Link      string        `bson:"link,omitempty"`
	Status    string        `bson:"status"`
	CreatedAt time.Time     `bson:"created_at"`
}

func (d notificationDoc) record() Notification {
	return Notification{
		ID:        d.ID.Hex(),
		UserID:    d.UserID,
		Message:   d.Message,
		Link:      d.Link,
		Status:    NotificationStatus(d.Status),
		CreatedAt: d.CreatedAt,
	}
}

// objectID converts a canonical id back to an ObjectID. Ids that are not
// ObjectIDs cannot exist in this store.
func objectID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(CanonicalID(id))
	if err != nil {
		return bson.ObjectID{}, ErrNotFound
	}
	return oid, nil
}

// mongoTime drops what BSON dates cannot hold so that a record returned
// from an insert equals the one read back later.
func mongoTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func mongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func decodeAll[D interface{ record() R }, R any](ctx context.Context, cursor *mongo.Cursor) ([]R, error) {
	defer cursor.Close(ctx)
	var docs []D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]R, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.record())
	}
	return items, nil
}

// --- users ---

func (s *MongoStore) CreateUser(ctx context.Context, user User) (User, error) {
	doc := userDoc{
		ID:           bson.NewObjectID(),
		Username:     user.Username,
		Email:        strings.ToLower(strings.TrimSpace(user.Email)),
		PasswordHash: user.PasswordHash,
		CreatedAt:    mongoTime(time.Now()),
	}
	if _, err := s.users().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (User, error) {
	oid, err := objectID(id)
	if err != nil {
		return User{}, err
	}
	var doc userDoc
	if err := s.users().FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return User{}, mongoNotFound(err)
	}
	return doc.record(), nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var doc userDoc
	if err := s.users().FindOne(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))}).Decode(&doc); err != nil {
		return User{}, mongoNotFound(err)
	}
	return doc.record(), nil
}

// --- projects and tasks ---

func (s *MongoStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	now := mongoTime(time.Now())
	members := make([]string, 0, len(project.Members))
	for _, m := range project.Members {
		members = append(members, CanonicalID(m))
	}
	doc := projectDoc{
		ID:          bson.NewObjectID(),
		Name:        project.Name,
		Description: project.Description,
		CreatedBy:   CanonicalID(project.CreatedBy),
		Members:     members,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.projects().InsertOne(ctx, doc); err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) GetProject(ctx context.Context, id string) (Project, error) {
	oid, err := objectID(id)
	if err != nil {
		return Project{}, err
	}
	var doc projectDoc
	if err := s.projects().FindOne(ctx, bson.M{"_id": oid, "is_deleted": bson.M{"$ne": true}}).Decode(&doc); err != nil {
		return Project{}, mongoNotFound(err)
	}
	return doc.record(), nil
}

func (s *MongoStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	userID = CanonicalID(userID)
	cursor, err := s.projects().Find(ctx, bson.M{
		"is_deleted": bson.M{"$ne": true},
		"$or":        bson.A{bson.M{"created_by": userID}, bson.M{"members": userID}},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	items, err := decodeAll[projectDoc, Project](ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	return items, nil
}

func (s *MongoStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	return s.updateMembers(ctx, projectID, bson.M{}, bson.M{"$addToSet": bson.M{"members": CanonicalID(userID)}})
}

// RemoveProjectMember reports ErrNotFound when the user is not a member.
func (s *MongoStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	userID = CanonicalID(userID)
	return s.updateMembers(ctx, projectID, bson.M{"members": userID}, bson.M{"$pull": bson.M{"members": userID}})
}

func (s *MongoStore) updateMembers(ctx context.Context, projectID string, filter, change bson.M) error {
	oid, err := objectID(projectID)
	if err != nil {
		return err
	}
	filter["_id"] = oid
	filter["is_deleted"] = bson.M{"$ne": true}
	change["$set"] = bson.M{"updated_at": mongoTime(time.Now())}
	res, err := s.projects().UpdateOne(ctx, filter, change)
	if err != nil {
		return fmt.Errorf("update project members: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	cursor, err := s.tasks().Find(ctx, bson.M{
		"project_id": CanonicalID(projectID),
		"is_deleted": bson.M{"$ne": true},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	items, err := decodeAll[taskDoc, Task](ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return items, nil
}

func (s *MongoStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	now := mongoTime(time.Now())
	if task.Status == "" {
		task.Status = TaskTodo
	}
	var dueDate *time.Time
	if task.DueDate != nil {
		due := mongoTime(*task.DueDate)
		dueDate = &due
	}
	doc := taskDoc{
		ID:          bson.NewObjectID(),
		ProjectID:   CanonicalID(task.ProjectID),
		Title:       task.Title,
		Description: task.Description,
		Assignee:    CanonicalID(task.Assignee),
		DueDate:     dueDate,
		Status:      string(task.Status),
		CreatedBy:   CanonicalID(task.CreatedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.tasks().InsertOne(ctx, doc); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) liveTask(projectID, taskID string) (bson.M, error) {
	oid, err := objectID(taskID)
	if err != nil {
		return nil, err
	}
	return bson.M{
		"_id":        oid,
		"project_id": CanonicalID(projectID),
		"is_deleted": bson.M{"$ne": true},
	}, nil
}

func (s *MongoStore) GetTask(ctx context.Context, projectID, taskID string) (Task, error) {
	filter, err := s.liveTask(projectID, taskID)
	if err != nil {
		return Task{}, err
	}
	var doc taskDoc
	if err := s.tasks().FindOne(ctx, filter).Decode(&doc); err != nil {
		return Task{}, mongoNotFound(err)
	}
	return doc.record(), nil
}

func (s *MongoStore) UpdateTask(ctx context.Context, projectID, taskID string, patch TaskPatch) (Task, error) {
	if patch.Empty() {
		return s.GetTask(ctx, projectID, taskID)
	}
	filter, err := s.liveTask(projectID, taskID)
	if err != nil {
		return Task{}, err
	}
	set := bson.M{"updated_at": mongoTime(time.Now())}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Assignee != nil {
		set["assignee"] = CanonicalID(*patch.Assignee)
	}
	if patch.DueDate != nil {
		set["due_date"] = mongoTime(*patch.DueDate)
	}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	var doc taskDoc
	err = s.tasks().FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	filter, err := s.liveTask(projectID, taskID)
	if err != nil {
		return err
	}
	res, err := s.tasks().UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"is_deleted": true,
		"updated_at": mongoTime(time.Now()),
	}})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- chat messages ---

func (s *MongoStore) InsertMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	doc := messageDoc{
		ID:        bson.NewObjectID(),
		ProjectID: CanonicalID(msg.ProjectID),
		UserID:    CanonicalID(msg.UserID),
		Username:  msg.Username,
		Message:   msg.Body,
		CreatedAt: mongoTime(msg.CreatedAt),
		UpdatedAt: mongoTime(msg.UpdatedAt),
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (ChatMessage, error) {
	oid, err := objectID(id)
	if err != nil {
		return ChatMessage{}, err
	}
	var doc messageDoc
	if err := s.messages().FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return ChatMessage{}, mongoNotFound(err)
	}
	return doc.record(), nil
}

func (s *MongoStore) UpdateMessageBody(ctx context.Context, id, body string, updatedAt time.Time) (ChatMessage, error) {
	oid, err := objectID(id)
	if err != nil {
		return ChatMessage{}, err
	}
	var doc messageDoc
	err = s.messages().FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"message": body, "is_edited": true, "updated_at": mongoTime(updatedAt)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ChatMessage{}, ErrNotFound
		}
		return ChatMessage{}, fmt.Errorf("update message: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) ListMessages(ctx context.Context, projectID string, offset, limit int) ([]ChatMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	return s.findMessages(ctx, projectID, opts)
}

func (s *MongoStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]ChatMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	items, err := s.findMessages(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// SearchMessages uses the collection's text index, best matches first.
func (s *MongoStore) SearchMessages(ctx context.Context, projectID, text string, limit int) ([]ChatMessage, error) {
	filter := bson.M{"project_id": CanonicalID(projectID), "$text": bson.M{"$search": text}}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.D{{Key: "score", Value: bson.M{"$meta": "textScore"}}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	items, err := decodeAll[messageDoc, ChatMessage](ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return items, nil
}

// AllMessages walks the whole collection, oldest first.
func (s *MongoStore) AllMessages(ctx context.Context) ([]ChatMessage, error) {
	cursor, err := s.messages().Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	items, err := decodeAll[messageDoc, ChatMessage](ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return items, nil
}

func (s *MongoStore) findMessages(ctx context.Context, projectID string, opts *options.FindOptionsBuilder) ([]ChatMessage, error) {
	cursor, err := s.messages().Find(ctx, bson.M{"project_id": CanonicalID(projectID)}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	items, err := decodeAll[messageDoc, ChatMessage](ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return items, nil
}

// --- notifications ---

func (s *MongoStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	doc := notificationDoc{
		ID:        bson.NewObjectID(),
		UserID:    CanonicalID(n.UserID),
		Message:   n.Message,
		Link:      n.Link,
		Status:    string(NotificationUnread),
		CreatedAt: mongoTime(time.Now()),
	}
	if _, err := s.notifications().InsertOne(ctx, doc); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	filter := bson.M{"user_id": CanonicalID(userID)}
	if unreadOnly {
		filter["status"] = string(NotificationUnread)
	}
	cursor, err := s.notifications().Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	items, err := decodeAll[notificationDoc, Notification](ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return items, nil
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, id, userID string) (bool, error) {
	oid, err := objectID(id)
	if err != nil {
		return false, nil
	}
	res, err := s.notifications().UpdateOne(ctx,
		bson.M{"_id": oid, "user_id": CanonicalID(userID)},
		bson.M{"$set": bson.M{"status": string(NotificationRead)}},
	)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.notifications().UpdateMany(ctx,
		bson.M{"user_id": CanonicalID(userID), "status": string(NotificationUnread)},
		bson.M{"$set": bson.M{"status": string(NotificationRead)}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.ModifiedCount, nil
}
