package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"agentregistry/pkg/domain"
)

const defaultMongoDatabase = "registry"

type addressDocument struct {
	Street       string `bson:"street,omitempty"`
	WardNumber   string `bson:"wardNumber,omitempty"`
	Constituency string `bson:"constituency,omitempty"`
	City         string `bson:"city,omitempty"`
	State        string `bson:"state,omitempty"`
	PostCode     string `bson:"postCode,omitempty"`
	Country      string `bson:"country,omitempty"`
}

// agentDocument mirrors the stored agent. Document URLs are kept as
// top-level "<key>FilePath" fields in Extra, which also absorbs fields this
// service does not own (for example a "__v" version key).
type agentDocument struct {
	ID           string          `bson:"_id"`
	AgentID      string          `bson:"agentId"`
	FirstName    looseString     `bson:"firstName"`
	LastName     looseString     `bson:"lastName"`
	Email        looseString     `bson:"email"`
	MobileNumber looseString     `bson:"mobileNumber"`
	Gender       looseString     `bson:"gender"`
	DateOfBirth  looseString     `bson:"dateOfBirth"`
	Address      addressDocument `bson:"address"`
	Extra        map[string]any  `bson:",inline"`
	CreatedAt    time.Time       `bson:"createdAt"`
	UpdatedAt    time.Time       `bson:"updatedAt"`
}

// looseString accepts the scalar types older writers stored in string
// fields. Dates render as YYYY-MM-DD.
type looseString string

func (s *looseString) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	rv := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.String:
		*s = looseString(rv.StringValue())
	case bsontype.DateTime:
		*s = looseString(rv.Time().UTC().Format(time.DateOnly))
	case bsontype.Int32:
		*s = looseString(strconv.FormatInt(int64(rv.Int32()), 10))
	case bsontype.Int64:
		*s = looseString(strconv.FormatInt(rv.Int64(), 10))
	case bsontype.Double:
		*s = looseString(strconv.FormatFloat(rv.Double(), 'f', -1, 64))
	case bsontype.Null, bsontype.Undefined:
		*s = ""
	default:
		return fmt.Errorf("cannot decode %s into a string field", t)
	}
	return nil
}

type userDocument struct {
	ID            string    `bson:"_id"`
	UserID        string    `bson:"userId"`
	Username      string    `bson:"username"`
	Email         string    `bson:"email"`
	OfficialEmail string    `bson:"officialEmail"`
	Role          string    `bson:"role"`
	PasswordHash  string    `bson:"passwordHash"`
	CreatedAt     time.Time `bson:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

// MongoStore implements Store on MongoDB collections.
type MongoStore struct {
	client *mongo.Client
	agents *mongo.Collection
	users  *mongo.Collection
}

// NewMongoStore connects, selects the database (explicit name, else the one
// in the URI, else "registry") and ensures unique indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mongo URI required")
	}
	if database == "" {
		cs, err := connstring.ParseAndValidate(uri)
		if err != nil {
			return nil, fmt.Errorf("parse mongo URI: %w", err)
		}
		database = cs.Database
	}
	if database == "" {
		database = defaultMongoDatabase
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{
		client: client,
		agents: db.Collection(AgentsCollection),
		users:  db.Collection(UsersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := func(field string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}
	if _, err := s.agents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("agentId"), unique(FieldEmail), unique(FieldMobileNumber),
	}); err != nil {
		return fmt.Errorf("create agent indexes: %w", err)
	}
	if _, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("userId"), unique(FieldEmail), unique(FieldOfficialEmail),
	}); err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) InsertAgent(ctx context.Context, agent domain.Agent) (string, error) {
	stampCreated(&agent.CreatedAt, &agent.UpdatedAt, time.Now().UTC())
	if _, err := s.agents.InsertOne(ctx, agentToDocument(agent)); err != nil {
		return "", mongoWriteErr(err, FieldEmail, FieldMobileNumber, "agentId")
	}
	return agent.AgentID, nil
}

func (s *MongoStore) FindAgent(ctx context.Context, field, value string) (domain.Agent, bool, error) {
	if err := checkAgentField(field); err != nil {
		return domain.Agent{}, false, err
	}
	return s.findAgent(ctx, bson.D{{Key: field, Value: value}})
}

func (s *MongoStore) GetAgent(ctx context.Context, id string) (domain.Agent, bool, error) {
	return s.findAgent(ctx, bson.D{{Key: "agentId", Value: id}})
}

func (s *MongoStore) findAgent(ctx context.Context, filter bson.D) (domain.Agent, bool, error) {
	var doc agentDocument
	if err := s.agents.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Agent{}, false, nil
		}
		return domain.Agent{}, false, err
	}
	return agentFromDocument(doc), true, nil
}

func (s *MongoStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	cur, err := s.agents.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []agentDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.Agent, 0, len(docs))
	for _, d := range docs {
		res = append(res, agentFromDocument(d))
	}
	return res, nil
}

func (s *MongoStore) UpdateAgent(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error) {
	update := bson.D{{Key: "$set", Value: agentUpdateSet(patch, time.Now().UTC())}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc agentDocument
	err := s.agents.FindOneAndUpdate(ctx, bson.D{{Key: "agentId", Value: id}}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Agent{}, ErrNotFound
		}
		return domain.Agent{}, mongoWriteErr(err, FieldEmail, FieldMobileNumber)
	}
	return agentFromDocument(doc), nil
}

func (s *MongoStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.agents.DeleteOne(ctx, bson.D{{Key: "agentId", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) InsertUser(ctx context.Context, user domain.User) (string, error) {
	stampCreated(&user.CreatedAt, &user.UpdatedAt, time.Now().UTC())
	if _, err := s.users.InsertOne(ctx, userToDocument(user)); err != nil {
		return "", mongoWriteErr(err, FieldEmail, FieldOfficialEmail, "userId")
	}
	return user.UserID, nil
}

func (s *MongoStore) FindUser(ctx context.Context, field, value string) (domain.User, bool, error) {
	if err := checkUserField(field); err != nil {
		return domain.User{}, false, err
	}
	return s.findUser(ctx, bson.D{{Key: field, Value: value}})
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(ctx, bson.D{{Key: "userId", Value: id}})
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.D) (domain.User, bool, error) {
	var doc userDocument
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromDocument(doc), true, nil
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	cur, err := s.users.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(docs))
	for _, d := range docs {
		res = append(res, userFromDocument(d))
	}
	return res, nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	update := bson.D{{Key: "$set", Value: userUpdateSet(patch, time.Now().UTC())}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc userDocument
	err := s.users.FindOneAndUpdate(ctx, bson.D{{Key: "userId", Value: id}}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, mongoWriteErr(err, FieldEmail, FieldOfficialEmail)
	}
	return userFromDocument(doc), nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.D{{Key: "userId", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func mongoWriteErr(err error, fields ...string) error {
	if mongo.IsDuplicateKeyError(err) {
		return &DuplicateKeyError{Field: duplicateField(err.Error(), fields...), Err: err}
	}
	return err
}

// agentUpdateSet translates a patch into a $set document. Address fields use
// dotted paths so untouched sub-fields survive.
func agentUpdateSet(patch domain.AgentPatch, now time.Time) bson.D {
	set := bson.D{}
	add := func(key string, v *string) {
		if v != nil {
			set = append(set, bson.E{Key: key, Value: *v})
		}
	}
	add("firstName", patch.FirstName)
	add("lastName", patch.LastName)
	add("email", patch.Email)
	add("mobileNumber", patch.MobileNumber)
	add("gender", patch.Gender)
	add("dateOfBirth", patch.DateOfBirth)
	if a := patch.Address; a != nil {
		add("address.street", a.Street)
		add("address.wardNumber", a.WardNumber)
		add("address.constituency", a.Constituency)
		add("address.city", a.City)
		add("address.state", a.State)
		add("address.postCode", a.PostCode)
		add("address.country", a.Country)
	}
	for _, key := range sortedKeys(patch.Documents) {
		set = append(set, bson.E{Key: domain.DocumentField(key), Value: patch.Documents[key]})
	}
	return append(set, bson.E{Key: "updatedAt", Value: now})
}

func userUpdateSet(patch domain.UserPatch, now time.Time) bson.D {
	set := bson.D{}
	add := func(key string, v *string) {
		if v != nil {
			set = append(set, bson.E{Key: key, Value: *v})
		}
	}
	add("username", patch.Username)
	add("email", patch.Email)
	add("officialEmail", patch.OfficialEmail)
	add("role", patch.Role)
	add("passwordHash", patch.PasswordHash)
	return append(set, bson.E{Key: "updatedAt", Value: now})
}

func agentToDocument(a domain.Agent) agentDocument {
	doc := agentDocument{
		ID:           a.AgentID,
		AgentID:      a.AgentID,
		FirstName:    looseString(a.FirstName),
		LastName:     looseString(a.LastName),
		Email:        looseString(a.Email),
		MobileNumber: looseString(a.MobileNumber),
		Gender:       looseString(a.Gender),
		DateOfBirth:  looseString(a.DateOfBirth),
		Address:      addressDocument(a.Address),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if len(a.Documents) > 0 {
		doc.Extra = make(map[string]any, len(a.Documents))
		for key, url := range a.Documents {
			doc.Extra[domain.DocumentField(key)] = url
		}
	}
	return doc
}

func agentFromDocument(d agentDocument) domain.Agent {
	a := domain.Agent{
		AgentID:      d.AgentID,
		FirstName:    string(d.FirstName),
		LastName:     string(d.LastName),
		Email:        string(d.Email),
		MobileNumber: string(d.MobileNumber),
		Gender:       string(d.Gender),
		DateOfBirth:  string(d.DateOfBirth),
		Address:      domain.Address(d.Address),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if a.AgentID == "" {
		a.AgentID = d.ID
	}
	for field, value := range d.Extra {
		key, ok := domain.DocumentKeyFromField(field)
		if !ok {
			continue
		}
		url, ok := value.(string)
		if !ok || url == "" {
			continue
		}
		if a.Documents == nil {
			a.Documents = map[string]string{}
		}
		a.Documents[key] = url
	}
	return a
}

func userToDocument(u domain.User) userDocument {
	return userDocument{
		ID:            u.UserID,
		UserID:        u.UserID,
		Username:      u.Username,
		Email:         u.Email,
		OfficialEmail: u.OfficialEmail,
		Role:          u.Role,
		PasswordHash:  u.PasswordHash,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func userFromDocument(d userDocument) domain.User {
	u := domain.User{
		UserID:        d.UserID,
		Username:      d.Username,
		Email:         d.Email,
		OfficialEmail: d.OfficialEmail,
		Role:          d.Role,
		PasswordHash:  d.PasswordHash,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if u.UserID == "" {
		u.UserID = d.ID
	}
	return u
}

var _ Store = (*MongoStore)(nil)
