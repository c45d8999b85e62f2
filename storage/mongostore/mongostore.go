// Package mongostore adapts go.mongodb.org/mongo-driver, wired the way
// the teacher's data/database/mgo/mongoutil package wires it, into a
// core.Store: two collections (groups, messages) keyed by their
// exchange-core identifiers, with upsert-on-store semantics.
package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ppmesh/exchange-core/core"
)

const (
	groupsCollection   = "groups"
	messagesCollection = "messages"
)

// docGroup/docMessage are the persisted document shapes; storage
// concerns (indexing, upsert keys) live here, not in core.
type docGroup struct {
	ID   []byte    `bson:"_id"`
	Meta core.GroupMeta `bson:"meta"`
	Payload []byte `bson:"payload"`
}

type docMessage struct {
	ID      []byte           `bson:"_id"`
	Group   []byte           `bson:"group"`
	Meta    core.MessageMeta `bson:"meta"`
	Payload []byte           `bson:"payload"`
}

// Store implements core.Store against a MongoDB database, mirroring
// the (Table).Collection() lookup pattern from data/database/table.go.
type Store struct {
	db          *mongo.Database
	groups      *mongo.Collection
	messages    *mongo.Collection
	sizeLimit   int64
}

// New wires collections off an already-connected database, the same
// division of labor as mgo.StartAsync/mongoutil.NewMongoDB: connection
// lifecycle is the caller's concern, this type only issues queries.
func New(db *mongo.Database, sizeLimit int64) *Store {
	s := &Store{
		db:        db,
		groups:    db.Collection(groupsCollection),
		messages:  db.Collection(messagesCollection),
		sizeLimit: sizeLimit,
	}
	return s
}

func (s *Store) GetTableName() string     { return groupsCollection }
func (s *Store) Collection() *mongo.Collection { return s.groups }

func (s *Store) RetrieveGroups(ctx context.Context, ids []core.GroupID) ([]core.Group, error) {
	filter := bson.M{}
	if len(ids) > 0 {
		raw := make([][]byte, len(ids))
		for i, id := range ids {
			raw[i] = id[:]
		}
		filter["_id"] = bson.M{"$in": raw}
	}
	cur, err := s.groups.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find groups: %w", err)
	}
	defer cur.Close(ctx)

	var out []core.Group
	for cur.Next(ctx) {
		var d docGroup
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongostore: decode group: %w", err)
		}
		out = append(out, core.Group{Meta: d.Meta, Payload: d.Payload})
	}
	return out, cur.Err()
}

func (s *Store) StoreGroups(ctx context.Context, groups []core.Group) error {
	if len(groups) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(groups))
	for _, g := range groups {
		id := g.Meta.ID
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id[:]}).
			SetReplacement(docGroup{ID: id[:], Meta: g.Meta, Payload: g.Payload}).
			SetUpsert(true))
	}
	_, err := s.groups.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("mongostore: store groups: %w", err)
	}
	return nil
}

func (s *Store) DeleteGroups(ctx context.Context, ids []core.GroupID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = id[:]
	}
	_, err := s.groups.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": raw}})
	if err != nil {
		return fmt.Errorf("mongostore: delete groups: %w", err)
	}
	return nil
}

func (s *Store) RetrieveMessages(ctx context.Context, group core.GroupID, ids []core.MessageID) ([]core.Message, error) {
	filter := bson.M{"group": group[:]}
	if len(ids) > 0 {
		raw := make([][]byte, len(ids))
		for i, id := range ids {
			raw[i] = id[:]
		}
		filter["_id"] = bson.M{"$in": raw}
	}
	cur, err := s.messages.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find messages: %w", err)
	}
	defer cur.Close(ctx)

	var out []core.Message
	for cur.Next(ctx) {
		var d docMessage
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongostore: decode message: %w", err)
		}
		out = append(out, core.Message{Meta: d.Meta, Payload: d.Payload})
	}
	return out, cur.Err()
}

func (s *Store) StoreMessages(ctx context.Context, msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(msgs))
	for _, m := range msgs {
		id := m.Meta.ID
		gid := m.Meta.GroupID
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id[:]}).
			SetReplacement(docMessage{ID: id[:], Group: gid[:], Meta: m.Meta, Payload: m.Payload}).
			SetUpsert(true))
	}
	_, err := s.messages.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("mongostore: store messages: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, group core.GroupID, ids []core.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = id[:]
	}
	_, err := s.messages.DeleteMany(ctx, bson.M{"group": group[:], "_id": bson.M{"$in": raw}})
	if err != nil {
		return fmt.Errorf("mongostore: delete messages: %w", err)
	}
	return nil
}

// UpdateGroupMeta applies a meta-only update, leaving payload untouched
// — the targeted counterpart to StoreGroups' full-document upsert, used
// by the meta-mutation processor which never sees group payload bytes.
func (s *Store) UpdateGroupMeta(ctx context.Context, id core.GroupID, meta core.GroupMeta) (int, error) {
	res, err := s.groups.UpdateOne(ctx, bson.M{"_id": id[:]}, bson.M{"$set": bson.M{"meta": meta}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: update group meta: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// UpdateMessageMeta mirrors UpdateGroupMeta for messages.
func (s *Store) UpdateMessageMeta(ctx context.Context, group core.GroupID, id core.MessageID, meta core.MessageMeta) (int, error) {
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": id[:], "group": group[:]}, bson.M{"$set": bson.M{"meta": meta}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: update message meta: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ValidSize approximates the store's remaining capacity by summing the
// two collections' on-disk sizes via $collStats, matching the coarse
// per-database budget the teacher enforces for chat attachments.
func (s *Store) ValidSize(ctx context.Context, addBytes int64) (bool, error) {
	if s.sizeLimit <= 0 {
		return true, nil
	}
	var total int64
	for _, coll := range []*mongo.Collection{s.groups, s.messages} {
		var stats struct {
			Size int64 `bson:"size"`
		}
		if err := s.db.RunCommand(ctx, bson.D{{Key: "collStats", Value: coll.Name()}}).Decode(&stats); err != nil {
			return false, fmt.Errorf("mongostore: collStats %s: %w", coll.Name(), err)
		}
		total += stats.Size
	}
	return total+addBytes <= s.sizeLimit, nil
}
