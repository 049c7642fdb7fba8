package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mesikahq/clinic-sync/internal/clinic"
)

// Store persists one PatientHistory document per patient email. Every
// method is a single-document or multi-document atomic update; there is no
// cross-document transaction.
type Store interface {
	EnsureIndexes(ctx context.Context) error
	// ReplaceAppointments overwrites patientName and the whole appointment
	// array, creating the document when absent.
	ReplaceAppointments(ctx context.Context, h *clinic.PatientHistory) error
	// AppendFragment pushes f unless a fragment with the same appointment id
	// is already present. It reports whether the document changed.
	AppendFragment(ctx context.Context, email, patientName string, f clinic.AppointmentFragment) (bool, error)
	// RewriteDoctor sets doctorName and doctorEmail on every fragment carrying
	// doctorID, and on fragments without a doctor id that carry oldEmail.
	RewriteDoctor(ctx context.Context, doctorID int64, oldEmail, name, email string) (int64, error)
	// RenamePatient refiles the document held under oldEmail under newEmail
	// and sets patientName. When newEmail already has a document the old
	// fragments are merged into it by appointment id.
	RenamePatient(ctx context.Context, oldEmail, newEmail, name string) error
	Get(ctx context.Context, email string) (*clinic.PatientHistory, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// ErrDocumentExists is returned by an upserting append whose insert collided
// with an existing document for the same email.
var ErrDocumentExists = errors.New("history document already exists")

// AppendWithRetry runs upsert and, when it reports ErrDocumentExists, runs
// push once against the existing document. A push that matches nothing means
// the fragment was already present.
func AppendWithRetry(upsert, push func() (bool, error)) (bool, error) {
	changed, err := upsert()
	if errors.Is(err, ErrDocumentExists) {
		return push()
	}
	return changed, err
}

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{coll: db.Collection(collection)}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "patientEmail", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "appointments.doctorId", Value: 1}}},
		{Keys: bson.D{{Key: "appointments.doctorEmail", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create history indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) ReplaceAppointments(ctx context.Context, h *clinic.PatientHistory) error {
	now := time.Now().UTC()
	appointments := h.Appointments
	if appointments == nil {
		appointments = []clinic.AppointmentFragment{}
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"patientEmail": h.PatientEmail},
		bson.M{
			"$set": bson.M{
				"patientName":  h.PatientName,
				"appointments": appointments,
				"updatedAt":    now,
			},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write history %s: %w", h.PatientEmail, err)
	}
	return nil
}

func (s *MongoStore) AppendFragment(ctx context.Context, email, patientName string, f clinic.AppointmentFragment) (bool, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"patientEmail":               email,
		"appointments.appointmentId": bson.M{"$ne": f.AppointmentID},
	}

	upsert := func() (bool, error) {
		res, err := s.coll.UpdateOne(ctx, filter,
			bson.M{
				"$push":        bson.M{"appointments": f},
				"$set":         bson.M{"updatedAt": now},
				"$setOnInsert": bson.M{"patientName": patientName, "createdAt": now},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			// Either the fragment is already there or another writer created
			// the document between our match and our insert.
			if mongo.IsDuplicateKeyError(err) {
				return false, ErrDocumentExists
			}
			return false, fmt.Errorf("failed to append fragment %s: %w", f.AppointmentID, err)
		}
		return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
	}

	push := func() (bool, error) {
		res, err := s.coll.UpdateOne(ctx, filter, bson.M{
			"$push": bson.M{"appointments": f},
			"$set":  bson.M{"updatedAt": now},
		})
		if err != nil {
			return false, fmt.Errorf("failed to append fragment %s: %w", f.AppointmentID, err)
		}
		return res.ModifiedCount > 0, nil
	}

	return AppendWithRetry(upsert, push)
}

func (s *MongoStore) RewriteDoctor(ctx context.Context, doctorID int64, oldEmail, name, email string) (int64, error) {
	set := bson.M{
		"appointments.$[elem].doctorName":  name,
		"appointments.$[elem].doctorEmail": email,
		"updatedAt":                        time.Now().UTC(),
	}

	byID, err := s.coll.UpdateMany(ctx,
		bson.M{"appointments.doctorId": doctorID},
		bson.M{"$set": set},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"elem.doctorId": doctorID}},
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite doctor %d: %w", doctorID, err)
	}

	legacy := bson.M{"doctorId": bson.M{"$exists": false}, "doctorEmail": oldEmail}
	byEmail, err := s.coll.UpdateMany(ctx,
		bson.M{"appointments": bson.M{"$elemMatch": legacy}},
		bson.M{"$set": set},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"elem.doctorId": bson.M{"$exists": false}, "elem.doctorEmail": oldEmail}},
		}),
	)
	if err != nil {
		return byID.ModifiedCount, fmt.Errorf("failed to rewrite legacy fragments of %s: %w", oldEmail, err)
	}
	return byID.ModifiedCount + byEmail.ModifiedCount, nil
}

func (s *MongoStore) RenamePatient(ctx context.Context, oldEmail, newEmail, name string) error {
	now := time.Now().UTC()
	if oldEmail != newEmail {
		_, err := s.coll.UpdateOne(ctx,
			bson.M{"patientEmail": oldEmail},
			bson.M{"$set": bson.M{"patientEmail": newEmail, "patientName": name, "updatedAt": now}},
		)
		if mongo.IsDuplicateKeyError(err) {
			err = s.mergeInto(ctx, oldEmail, newEmail, name)
		}
		if err != nil {
			return fmt.Errorf("failed to move history %s: %w", oldEmail, err)
		}
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"patientEmail": newEmail},
		bson.M{"$set": bson.M{"patientName": name, "updatedAt": now}},
	)
	if err != nil {
		return fmt.Errorf("failed to rename history %s: %w", newEmail, err)
	}
	return nil
}

// mergeInto appends every fragment of the oldEmail document to the newEmail
// one and then drops the old document. Rerunning it after a partial merge is
// safe because appends skip fragments already present.
func (s *MongoStore) mergeInto(ctx context.Context, oldEmail, newEmail, name string) error {
	old, err := s.Get(ctx, oldEmail)
	if err != nil {
		if errors.Is(err, clinic.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, f := range old.Appointments {
		if _, err := s.AppendFragment(ctx, newEmail, name, f); err != nil {
			return err
		}
	}
	_, err = s.coll.DeleteOne(ctx, bson.M{"patientEmail": oldEmail})
	return err
}

func (s *MongoStore) Get(ctx context.Context, email string) (*clinic.PatientHistory, error) {
	var h clinic.PatientHistory
	err := s.coll.FindOne(ctx, bson.M{"patientEmail": email}).Decode(&h)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, clinic.NotFoundError("patient history")
		}
		return nil, err
	}
	return &h, nil
}

func (s *MongoStore) Clear(ctx context.Context) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{})
	return err
}

func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{})
}
