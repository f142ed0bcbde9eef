package users

// User is the canonical account row. Rows are created on first authentication and never hard-deleted.
type User struct {
	ID               string `gorm:"column:id;primaryKey;size:190" json:"id"`
	Email            string `gorm:"column:email;size:320;index" json:"email"`
	DisplayName      string `gorm:"column:display_name;size:320" json:"name"`
	PasswordHash     string `gorm:"column:password_hash;size:255" json:"-"`
	Bio              string `gorm:"column:bio;type:text" json:"bio"`
	AvatarFile       string `gorm:"column:avatar_file;size:190" json:"profile_pic"`
	IsBanned         bool   `gorm:"column:is_banned;not null;default:false" json:"is_banned"`
	IsAdmin          bool   `gorm:"column:is_admin;not null;default:false" json:"is_admin"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index" json:"created_at_s"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// BanRecord is one entry of the append-only moderation log.
type BanRecord struct {
	ID               uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID           string `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	BannedBy         string `gorm:"column:banned_by;size:190;not null" json:"banned_by"`
	Reason           string `gorm:"column:reason;size:1000" json:"reason"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (BanRecord) TableName() string {
	return "bans"
}

// Registration carries the fields of a local sign-up.
type Registration struct {
	Email       string
	Password    string
	DisplayName string
}

// ProfileUpdate carries the fields a synced identity may refresh.
type ProfileUpdate struct {
	DisplayName string
}
