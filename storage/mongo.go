// Copyright 2024-2026 The acornchat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acornchat/gateway/common"
	"github.com/apex/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Collection names
const (
	collectionUsers         = "users"
	collectionTokens        = "tokens"
	collectionMembers       = "members"
	collectionRelationships = "relationships"
	collectionChannels      = "channels"
)

// discriminatorAttempts bound on random probes before giving up
const discriminatorAttempts = 10

// tokenRecord one authentication token document
type tokenRecord struct {
	Token  string `bson:"_id"`
	UserID string `bson:"user_id"`
}

// relationshipRecord one accepted friendship document. UserA / UserB carry no
// ordering meaning; a friendship is stored once.
type relationshipRecord struct {
	UserA  string `bson:"user_a"`
	UserB  string `bson:"user_b"`
	Status string `bson:"status"`
}

// channelRecord one channel document; only DM channels matter here
type channelRecord struct {
	ID           string   `bson:"_id"`
	Type         string   `bson:"type"`
	Participants []string `bson:"participants"`
}

// mongoBackendImpl implements Backend on MongoDB
type mongoBackendImpl struct {
	common.Component
	db      *mongo.Database
	rng     *rand.Rand
	rngLock sync.Mutex
}

// GetMongoBackend define a MongoDB storage backend
func GetMongoBackend(client *mongo.Client, dbName string) (Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("storage backend requires a mongo client")
	}
	logTags := log.Fields{"module": "storage", "component": "mongo-backend", "db": dbName}
	return &mongoBackendImpl{
		Component: common.Component{LogTags: logTags},
		db:        client.Database(dbName),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// GetUserByToken resolve an authentication token to its user
func (b *mongoBackendImpl) GetUserByToken(ctxt context.Context, token string) (User, error) {
	var record tokenRecord
	err := b.db.Collection(collectionTokens).FindOne(
		ctxt, bson.M{"_id": token},
	).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return b.GetUser(ctxt, record.UserID)
}

// GetUser fetch one user by ID
func (b *mongoBackendImpl) GetUser(ctxt context.Context, userID string) (User, error) {
	var user User
	err := b.db.Collection(collectionUsers).FindOne(
		ctxt, bson.M{"_id": userID},
	).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return User{}, ErrNotFound
	}
	return user, err
}

// GetUserGuilds the guild IDs a user belongs to
func (b *mongoBackendImpl) GetUserGuilds(ctxt context.Context, userID string) ([]string, error) {
	cursor, err := b.db.Collection(collectionMembers).Find(ctxt, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var memberships []Member
	if err := cursor.All(ctxt, &memberships); err != nil {
		return nil, err
	}
	guilds := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		guilds = append(guilds, membership.GuildID)
	}
	return guilds, nil
}

// GetFriendIDs the user IDs a user has an accepted friendship with
func (b *mongoBackendImpl) GetFriendIDs(ctxt context.Context, userID string) ([]string, error) {
	filter := bson.M{
		"status": "friend",
		"$or": bson.A{
			bson.M{"user_a": userID},
			bson.M{"user_b": userID},
		},
	}
	cursor, err := b.db.Collection(collectionRelationships).Find(ctxt, filter)
	if err != nil {
		return nil, err
	}
	var relationships []relationshipRecord
	if err := cursor.All(ctxt, &relationships); err != nil {
		return nil, err
	}
	friends := make([]string, 0, len(relationships))
	for _, rel := range relationships {
		if rel.UserA == userID {
			friends = append(friends, rel.UserB)
		} else {
			friends = append(friends, rel.UserA)
		}
	}
	return friends, nil
}

// GetPrivateChannels the DM channel IDs a user participates in
func (b *mongoBackendImpl) GetPrivateChannels(
	ctxt context.Context, userID string,
) ([]string, error) {
	filter := bson.M{"type": "dm", "participants": userID}
	cursor, err := b.db.Collection(collectionChannels).Find(ctxt, filter)
	if err != nil {
		return nil, err
	}
	var channels []channelRecord
	if err := cursor.All(ctxt, &channels); err != nil {
		return nil, err
	}
	channelIDs := make([]string, 0, len(channels))
	for _, channel := range channels {
		channelIDs = append(channelIDs, channel.ID)
	}
	return channelIDs, nil
}

// GetGuildMembers the member roster of a guild
func (b *mongoBackendImpl) GetGuildMembers(
	ctxt context.Context, guildID string,
) ([]Member, error) {
	cursor, err := b.db.Collection(collectionMembers).Find(ctxt, bson.M{"guild_id": guildID})
	if err != nil {
		return nil, err
	}
	var members []Member
	if err := cursor.All(ctxt, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// AssignDiscriminator pick a free discriminator for a username with a bounded
// attempt budget. Random probes instead of a scan keeps assignment O(1) on
// sparsely used names.
func (b *mongoBackendImpl) AssignDiscriminator(
	ctxt context.Context, username string,
) (string, error) {
	users := b.db.Collection(collectionUsers)
	for attempt := 0; attempt < discriminatorAttempts; attempt++ {
		candidate := b.nextCandidate()
		count, err := users.CountDocuments(
			ctxt, bson.M{"username": username, "discriminator": candidate},
		)
		if err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		log.WithFields(b.LogTags).Debugf(
			"Discriminator %s#%s taken, retrying", username, candidate,
		)
	}
	return "", ErrDiscriminatorExhausted
}

// nextCandidate draw one discriminator candidate. rand.Rand is not safe for
// concurrent use, and multiple registrations can land at once.
func (b *mongoBackendImpl) nextCandidate() string {
	b.rngLock.Lock()
	defer b.rngLock.Unlock()
	return fmt.Sprintf("%04d", b.rng.Intn(10000))
}
